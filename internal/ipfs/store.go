package ipfs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"advisor-ledger/internal/apperr"
)

const (
	defaultPinURL      = "https://api.pinata.cloud/pinning/pinJSONToIPFS"
	defaultGatewayURL  = "https://ipfs.io/ipfs/"
	defaultName        = "ai-advice.json"
	defaultCacheSize   = 256
	defaultHeadTimeout = 5 * time.Second
)

// Pinner stores JSON documents and returns their CID.
type Pinner interface {
	Pin(ctx context.Context, doc any, meta Metadata) (string, error)
}

// Reader fetches pinned content back from a gateway.
type Reader interface {
	Retrieve(ctx context.Context, cid string) ([]byte, error)
	RetrieveJSON(ctx context.Context, cid string) (any, error)
	IsAvailable(ctx context.Context, cid string, timeout time.Duration) bool
}

// Options parameterise the Pinata client and the read gateway.
type Options struct {
	PinURL     string
	JWT        string
	APIKey     string
	SecretKey  string
	GatewayURL string
	Timeout    time.Duration
	CacheSize  int
}

// Metadata is attached to a pin.
type Metadata struct {
	Name string
	Type string
}

// Store pins through Pinata and reads through a public gateway.
// Retrieved content is cached by CID since it is immutable.
type Store struct {
	opts   Options
	client *http.Client
	cache  *lru.Cache[string, []byte]
	logger zerolog.Logger
}

// New constructs a Store. A negative CacheSize disables the read cache.
func New(opts Options, logger zerolog.Logger) *Store {
	if opts.PinURL == "" {
		opts.PinURL = defaultPinURL
	}
	if opts.GatewayURL == "" {
		opts.GatewayURL = defaultGatewayURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.CacheSize == 0 {
		opts.CacheSize = defaultCacheSize
	}

	s := &Store{
		opts:   opts,
		client: &http.Client{Timeout: opts.Timeout},
		logger: logger.With().Str("component", "ipfs").Logger(),
	}
	if opts.CacheSize > 0 {
		cache, err := lru.New[string, []byte](opts.CacheSize)
		if err != nil {
			panic(fmt.Sprintf("failed to create ipfs cache: %v", err))
		}
		s.cache = cache
	}
	return s
}

type pinRequest struct {
	Content  any         `json:"pinataContent"`
	Metadata pinMetadata `json:"pinataMetadata"`
}

type pinMetadata struct {
	Name      string            `json:"name"`
	KeyValues map[string]string `json:"keyvalues,omitempty"`
}

// Pin 将 JSON 文档上传到 Pinata 并返回 CID。优先使用 JWT，其次使用 API key/secret。
func (s *Store) Pin(ctx context.Context, doc any, meta Metadata) (string, error) {
	const op = "pin to ipfs"

	jwt := strings.TrimSpace(s.opts.JWT)
	apiKey := strings.TrimSpace(s.opts.APIKey)
	if jwt == "" && apiKey == "" {
		return "", apperr.Config(op, "pinata credentials not configured")
	}

	name := meta.Name
	if name == "" {
		name = defaultName
	}
	payload := pinRequest{Content: doc, Metadata: pinMetadata{Name: name}}
	if meta.Type != "" {
		payload.Metadata.KeyValues = map[string]string{"type": meta.Type}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode pin request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.opts.PinURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create pin request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if jwt != "" {
		req.Header.Set("Authorization", "Bearer "+jwt)
	} else {
		req.Header.Set("pinata_api_key", apiKey)
		req.Header.Set("pinata_secret_api_key", s.opts.SecretKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", apperr.New(apperr.KindRemote, op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", apperr.New(apperr.KindRemote, op, err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		s.logger.Error().Int("status", resp.StatusCode).Str("body", strings.TrimSpace(string(respBody))).Msg("Pinata 存储请求失败")
		return "", apperr.Remote(op, "pinata returned status %d", resp.StatusCode)
	}

	var parsed struct {
		IpfsHash string `json:"IpfsHash"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", apperr.Protocol(op, "decode pinata response: %v", err)
	}
	if parsed.IpfsHash == "" {
		return "", apperr.Protocol(op, "pinata response missing IpfsHash")
	}

	s.logger.Info().Str("cid", parsed.IpfsHash).Msg("数据已存储到 IPFS")
	return parsed.IpfsHash, nil
}

// Retrieve fetches the raw bytes of cid from the gateway.
func (s *Store) Retrieve(ctx context.Context, cid string) ([]byte, error) {
	const op = "retrieve from ipfs"

	if s.cache != nil {
		if data, ok := s.cache.Get(cid); ok {
			return data, nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.gatewayURL(cid), nil)
	if err != nil {
		return nil, fmt.Errorf("create retrieve request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, apperr.New(apperr.KindRemote, op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.New(apperr.KindRemote, op, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apperr.Remote(op, "gateway returned status %d for %s", resp.StatusCode, cid)
	}

	if s.cache != nil {
		s.cache.Add(cid, data)
	}
	return data, nil
}

// RetrieveJSON fetches cid and decodes it as JSON.
func (s *Store) RetrieveJSON(ctx context.Context, cid string) (any, error) {
	data, err := s.Retrieve(ctx, cid)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, apperr.Protocol("retrieve from ipfs", "content %s is not JSON: %v", cid, err)
	}
	return out, nil
}

// IsAvailable 通过 HEAD 请求检查内容是否可用；超时或任何错误都返回 false。
func (s *Store) IsAvailable(ctx context.Context, cid string, timeout time.Duration) bool {
	if s.cache != nil && s.cache.Contains(cid) {
		return true
	}
	if timeout <= 0 {
		timeout = defaultHeadTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.gatewayURL(cid), nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("cid", cid).Msg("create head request failed")
		return false
	}
	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Warn().Err(err).Str("cid", cid).Msg("检查 CID 可用性失败")
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// gatewayURL supports either a template containing {cid} or a plain prefix.
func (s *Store) gatewayURL(cid string) string {
	if strings.Contains(s.opts.GatewayURL, "{cid}") {
		return strings.ReplaceAll(s.opts.GatewayURL, "{cid}", cid)
	}
	return s.opts.GatewayURL + cid
}

var (
	_ Pinner = (*Store)(nil)
	_ Reader = (*Store)(nil)
)
