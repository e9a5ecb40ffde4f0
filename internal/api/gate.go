package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"

	"github.com/rcourtman/pulse-license-gate/internal/logging"
	"github.com/rcourtman/pulse-license-gate/pkg/licensing"
)

// Gate header names.
const (
	HeaderLicenseKey       = "X-License-Key"
	HeaderLicenseToken     = "X-License-Token"
	HeaderLicenseRemaining = "X-License-Remaining"

	maxGatedBodySize = 32 << 20
)

// Gate modes.
const (
	GateModeConsume  = "consume"
	GateModeValidate = "validate"
)

var errBodyNotObject = errors.New("request body must be a JSON object")

// Gate fronts the protected application. Gated requests must carry a license
// token; everything else is proxied untouched.
type Gate struct {
	*consumer
	mode    string
	methods map[string]bool
	paths   map[string]bool
	proxy   *httputil.ReverseProxy
}

// GateConfig enables the gate in NewRouter.
type GateConfig struct {
	Upstream *url.URL
	Paths    []string
	Methods  []string
	Mode     string
}

func newGate(c *consumer, cfg GateConfig) (*Gate, error) {
	if cfg.Upstream == nil {
		return nil, errors.New("gate requires an upstream URL")
	}
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	switch mode {
	case "":
		mode = GateModeConsume
	case GateModeConsume, GateModeValidate:
	default:
		return nil, fmt.Errorf("unknown gate mode %q", cfg.Mode)
	}

	g := &Gate{
		consumer: c,
		mode:     mode,
		methods:  make(map[string]bool, len(cfg.Methods)),
		paths:    make(map[string]bool, len(cfg.Paths)),
	}
	for _, m := range cfg.Methods {
		g.methods[strings.ToUpper(strings.TrimSpace(m))] = true
	}
	for _, p := range cfg.Paths {
		g.paths[strings.TrimSpace(p)] = true
	}

	target := cfg.Upstream
	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger := logging.FromContext(r.Context())
		logger.Warn().Err(err).Str("upstream", target.Host).Str("path", r.URL.Path).Msg("Upstream request failed")
		writeErrorResponse(w, http.StatusBadGateway, CodeUpstreamFailed, "Upstream application unavailable", nil)
	}
	g.proxy = proxy
	return g, nil
}

func (g *Gate) gated(r *http.Request) bool {
	return g.methods[r.Method] && g.paths[r.URL.Path]
}

func (g *Gate) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !g.gated(r) {
		g.proxy.ServeHTTP(w, r)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxGatedBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeErrorResponse(w, http.StatusRequestEntityTooLarge, CodeInvalidRequest, "Request body too large", nil)
			return
		}
		writeErrorResponse(w, http.StatusBadRequest, CodeInvalidRequest, "Unable to read request body", nil)
		return
	}

	token, body, err := extractLicenseKey(r, body)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, CodeInvalidRequest, err.Error(), nil)
		return
	}
	if token == "" {
		writeErrorResponse(w, http.StatusUnauthorized, CodeLicenseRequired, licensing.MessageKeyRequired, nil)
		return
	}

	op := "gate_" + g.mode
	if g.mode == GateModeValidate {
		res := g.licenses.Validate(token, g.now())
		recordOutcome(r.Context(), op, res.Err)
		if !res.Valid {
			writeErrorResponse(w, http.StatusUnauthorized, CodeLicenseInvalid, "license validation failed: "+res.Message, nil)
			return
		}
	} else {
		res, status, code := g.consume(r.Context(), op, token)
		if status != http.StatusOK {
			msg := res.Message
			if status == http.StatusUnauthorized {
				msg = "license validation failed: " + msg
			}
			writeErrorResponse(w, status, code, msg, nil)
			return
		}
		// Set before proxying so the new token survives an upstream failure.
		w.Header().Set(HeaderLicenseToken, res.Token)
		w.Header().Set(HeaderLicenseRemaining, formatRemaining(res.RemainingUses))
	}

	r.Header.Del(HeaderLicenseKey)
	r.Body = io.NopCloser(bytes.NewReader(body))
	r.ContentLength = int64(len(body))
	r.Header.Set("Content-Length", strconv.Itoa(len(body)))
	g.proxy.ServeHTTP(w, r)
}

// extractLicenseKey takes the token from the JSON body field license_key,
// falling back to the X-License-Key header. The field is removed from the
// returned body.
func extractLicenseKey(r *http.Request, body []byte) (string, []byte, error) {
	token := ""
	if isJSON(r.Header.Get("Content-Type")) && len(bytes.TrimSpace(body)) > 0 {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(body, &fields); err != nil || fields == nil {
			return "", nil, errBodyNotObject
		}
		if raw, ok := fields["license_key"]; ok {
			var key string
			if err := json.Unmarshal(raw, &key); err != nil {
				return "", nil, errors.New("license_key must be a string")
			}
			token = strings.TrimSpace(key)
			delete(fields, "license_key")
			stripped, err := json.Marshal(fields)
			if err != nil {
				return "", nil, fmt.Errorf("re-encode request body: %w", err)
			}
			body = stripped
		}
	}
	if token == "" {
		token = strings.TrimSpace(r.Header.Get(HeaderLicenseKey))
	}
	return token, body, nil
}

func isJSON(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}
