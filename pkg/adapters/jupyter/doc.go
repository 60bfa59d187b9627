/*
Package jupyter implements ports.Backend against a Jupyter Server.

REST endpoints cover reachability (/api/kernelspecs), sessions (/api/sessions),
kernel interrupt/restart and notebook contents. Code runs over the kernel's
multiplexed websocket channel (/api/kernels/{id}/channels) using the Jupyter
messaging protocol; replies are correlated to requests by parent msg_id.
*/
package jupyter
