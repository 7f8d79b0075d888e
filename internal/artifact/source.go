package artifact

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
)

// Source opens an artifact by reference. size is -1 when unknown.
type Source interface {
	Open(ctx context.Context, ref *url.URL) (rc io.ReadCloser, size int64, err error)
}

// HTTPSource downloads http(s) references.
type HTTPSource struct {
	// Client defaults to a client without a global timeout; deadlines come from ctx.
	Client *http.Client
	// Token, when set, is sent as a bearer token.
	Token     string
	UserAgent string
}

func (s *HTTPSource) client() *http.Client {
	if s.Client != nil {
		return s.Client
	}
	return &http.Client{Timeout: 0}
}

func (s *HTTPSource) Open(ctx context.Context, ref *url.URL) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref.String(), nil)
	if err != nil {
		return nil, 0, err
	}
	if s.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.Token)
	}
	if s.UserAgent != "" {
		req.Header.Set("User-Agent", s.UserAgent)
	}
	resp, err := s.client().Do(req)
	if err != nil {
		return nil, 0, err
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		_ = resp.Body.Close()
		return nil, 0, notFoundError{ref: ref.String()}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		_ = resp.Body.Close()
		return nil, 0, fmt.Errorf("registry http error: %s: %s", resp.Status, strings.TrimSpace(string(b)))
	}
	return resp.Body, resp.ContentLength, nil
}

// HFSource resolves hf://org/repo[/file][@revision] against a Hugging Face
// compatible endpoint.
type HFSource struct {
	HTTP        *HTTPSource
	Endpoint    string
	DefaultFile string
}

const (
	defaultHFEndpoint = "https://huggingface.co"
	defaultHFFile     = "model.safetensors"
)

// ResolveURL maps an hf:// reference onto its download URL.
func (s *HFSource) ResolveURL(ref *url.URL) (*url.URL, error) {
	endpoint := s.Endpoint
	if endpoint == "" {
		endpoint = defaultHFEndpoint
	}
	p := strings.Trim(ref.Path, "/")
	revision := "main"
	if i := strings.LastIndex(p, "@"); i >= 0 {
		revision = p[i+1:]
		p = p[:i]
	}
	parts := strings.SplitN(p, "/", 2)
	if parts[0] == "" {
		return nil, fmt.Errorf("invalid hf reference %q", ref.String())
	}
	repo := ref.Host + "/" + parts[0]
	file := s.DefaultFile
	if file == "" {
		file = defaultHFFile
	}
	if len(parts) == 2 && parts[1] != "" {
		file = parts[1]
	}
	return url.Parse(strings.TrimRight(endpoint, "/") + "/" + path.Join(repo, "resolve", revision, file))
}

func (s *HFSource) Open(ctx context.Context, ref *url.URL) (io.ReadCloser, int64, error) {
	u, err := s.ResolveURL(ref)
	if err != nil {
		return nil, 0, err
	}
	h := s.HTTP
	if h == nil {
		h = &HTTPSource{}
	}
	return h.Open(ctx, u)
}

// Name returns the file name the resolved artifact is cached under.
func (s *HFSource) Name(ref *url.URL) string {
	u, err := s.ResolveURL(ref)
	if err != nil {
		return artifactName(ref)
	}
	return artifactName(u)
}

// namer is implemented by sources whose cache file name differs from the
// last element of the reference path.
type namer interface {
	Name(ref *url.URL) string
}

func artifactName(ref *url.URL) string {
	name := path.Base(strings.Trim(ref.Path, "/"))
	if name == "" || name == "." || name == "/" {
		return "artifact"
	}
	return name
}
