package jupyter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/aretw0/workbench/pkg/domain"
	"github.com/aretw0/workbench/pkg/ports"
)

type sessionRequest struct {
	Path   string        `json:"path"`
	Name   string        `json:"name"`
	Type   string        `json:"type"`
	Kernel kernelRequest `json:"kernel"`
}

type kernelRequest struct {
	Name string `json:"name"`
}

type sessionResponse struct {
	ID     string `json:"id"`
	Kernel struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"kernel"`
}

type contentsRequest struct {
	Type    string                  `json:"type"`
	Format  string                  `json:"format"`
	Content domain.NotebookDocument `json:"content"`
}

// do performs a JSON request against the server. Network failures are reported as
// ports.ErrTransportClosed; non-2xx answers as domain.ErrBackendRejected.
func (b *Backend) do(ctx context.Context, ep ports.Endpoint, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(ep.BaseURL, "/")+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if ep.Token != "" {
		req.Header.Set("Authorization", "token "+ep.Token)
	}

	resp, err := b.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			return fmt.Errorf("%w: %s %s: %w", ports.ErrTransportClosed, method, path, err)
		}
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s %s: %d %s", domain.ErrBackendRejected, method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode %s response: %w", path, err)
		}
	}
	return nil
}

// Probe lists the kernelspecs; any 2xx answer means reachable.
func (b *Backend) Probe(ctx context.Context, ep ports.Endpoint) error {
	return b.do(ctx, ep, http.MethodGet, "/api/kernelspecs", nil, nil)
}

// CreateSession starts a notebook session with a fresh kernel.
func (b *Backend) CreateSession(ctx context.Context, ep ports.Endpoint, req ports.SessionRequest) (ports.SessionInfo, error) {
	kernel := req.KernelSpec.Name
	if kernel == "" {
		kernel = domain.DefaultKernelSpec.Name
	}
	path := req.Path
	if path == "" {
		path = req.Name + ".ipynb"
	}

	var resp sessionResponse
	err := b.do(ctx, ep, http.MethodPost, "/api/sessions", sessionRequest{
		Path:   path,
		Name:   req.Name,
		Type:   "notebook",
		Kernel: kernelRequest{Name: kernel},
	}, &resp)
	if err != nil {
		return ports.SessionInfo{}, err
	}
	if resp.ID == "" || resp.Kernel.ID == "" {
		return ports.SessionInfo{}, fmt.Errorf("%w: session response without ids", domain.ErrBackendRejected)
	}
	return ports.SessionInfo{SessionID: resp.ID, KernelID: resp.Kernel.ID}, nil
}

// Interrupt sends SIGINT to the kernel.
func (b *Backend) Interrupt(ctx context.Context, ep ports.Endpoint, kernelID string) error {
	return b.do(ctx, ep, http.MethodPost, "/api/kernels/"+url.PathEscape(kernelID)+"/interrupt", nil, nil)
}

// RestartKernel restarts the kernel process.
func (b *Backend) RestartKernel(ctx context.Context, ep ports.Endpoint, kernelID string) error {
	return b.do(ctx, ep, http.MethodPost, "/api/kernels/"+url.PathEscape(kernelID)+"/restart", nil, nil)
}

// SaveNotebook writes the document to <name>.ipynb through the contents API.
func (b *Backend) SaveNotebook(ctx context.Context, ep ports.Endpoint, name string, doc domain.NotebookDocument) error {
	return b.do(ctx, ep, http.MethodPut, "/api/contents/"+url.PathEscape(name+".ipynb"), contentsRequest{
		Type:    "notebook",
		Format:  "json",
		Content: doc,
	}, nil)
}
