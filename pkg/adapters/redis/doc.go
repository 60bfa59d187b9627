/*
Package redis shares workbench coordination state through Redis.

Feed publishes notebook change events over Redis pub/sub so readers outside the
process (dashboards, other workbench instances) can follow a notebook. Locker
serializes kernel session creation across processes that share one backend.
*/
package redis
