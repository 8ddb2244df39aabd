package takedown

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aau-network-security/cloakwatch/app"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	DefaultSmartScreenEndpoint = "https://bf.smartscreen.microsoft.com/api/browser/Navigate/1"
	DefaultSmartScreenAuthID   = "6D2E7D9C-1334-4FC2-A549-5E0E15E4F8C7"
	smartScreenUserAgent       = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36 Edg/124.0.0.0"
)

func swap16(x uint32) uint32 {
	return x>>16 | x<<16
}

// first pass: halfword swapping mix, one constant pair per seed half
func passA(words []uint32, s0, s1 uint32) (uint32, uint32) {
	const (
		a0 = 0xCF98B111
		a1 = 0x87085B9F
		a2 = 0x12CEB96D
		a3 = 0x257E1D83
	)
	var h, sum0, sum1 uint32
	for i := 0; i+1 < len(words); i += 2 {
		t := h + words[i]
		t = t*s0 + a0*swap16(t)
		t = a1*swap16(t) + t

		u := t + words[i+1]
		u = u*s1 + a2*swap16(u)
		u = a3*swap16(u) + u

		h = u
		sum0 += t
		sum1 += u
	}
	return sum0, sum1
}

// second pass: reversible mix carrying an extra running value, five constants per seed half
func passB(words []uint32, s0, s1 uint32) (uint32, uint32) {
	s0 += 0x69FB0000
	s1 += 0x13DB0000
	var out1, out2, cache uint32
	for i := 0; i+1 < len(words); i += 2 {
		r0 := words[i] + out1
		r1 := words[i+1]

		r2 := r0*s0 - 0x10FA9605*(r0>>16)
		r2 = 0x79F8A395*r2 + 0x689B6B9F*(r2>>16)
		r3 := 0xEA970001*r2 - 0x3C101569*(r2>>16)

		r4 := r3 + r1
		r5 := cache + r3

		r6 := r4*s1 - 0x3CE8EC25*(r4>>16)
		r6 = 0x59C3AF2D*r6 - 0x2232E0F1*(r6>>16)
		out1 = 0x1EC90001*r6 + 0x35BD1EC9*(r6>>16)
		out2 = r5 + out1
		cache = out2
	}
	return out1, out2
}

// SmartScreenHash computes the request signature: key is the base64 encoded MD5 of the
// payload, hash the base64 encoded 8 bytes of both mixing passes xor-ed together
func SmartScreenHash(payload string) (hash string, key string) {
	data := []byte(payload)
	digest := md5.Sum(data)
	key = base64.StdEncoding.EncodeToString(digest[:])

	n := len(data) / 4
	n -= n % 2
	words := make([]uint32, n)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(data[i*4:])
	}

	s0 := binary.LittleEndian.Uint32(digest[0:]) | 1
	s1 := binary.LittleEndian.Uint32(digest[4:]) | 1

	a0, a1 := passA(words, s0, s1)
	b0, b1 := passB(words, s0, s1)

	var out [8]byte
	binary.LittleEndian.PutUint32(out[0:], a0^b0)
	binary.LittleEndian.PutUint32(out[4:], a1^b1)
	hash = base64.StdEncoding.EncodeToString(out[:])
	return hash, key
}

type ssAuthorization struct {
	AuthID string `json:"authId"`
	Hash   string `json:"hash"`
	Key    string `json:"key"`
}

type ssDestination struct {
	Uri string `json:"uri"`
}

type ssIdentity struct {
	Client ssClient `json:"client"`
	Device ssDevice `json:"device"`
	User   ssUser   `json:"user"`
}

type ssClient struct {
	Version string `json:"version"`
}

type ssDevice struct {
	Family    string `json:"family"`
	Locale    string `json:"locale"`
	OsVersion string `json:"osVersion"`
}

type ssUser struct {
	Locale string `json:"locale"`
}

type ssRequest struct {
	CorrelationID string        `json:"correlationId"`
	Destination   ssDestination `json:"destination"`
	Identity      ssIdentity    `json:"identity"`
	UserAgent     string        `json:"userAgent"`
}

type ssResponse struct {
	ResponseCategory string `json:"responseCategory"`
	Allow            bool   `json:"allow"`
}

func (r ssResponse) flagged() bool {
	switch r.ResponseCategory {
	case "Malicious", "Phishing":
		return true
	}
	return !r.Allow
}

type SmartScreen struct {
	endpoint string
	authID   string
	http     *http.Client
}

func NewSmartScreen(conf SmartScreenConfig) *SmartScreen {
	if conf.Endpoint == "" {
		conf.Endpoint = DefaultSmartScreenEndpoint
	}
	if conf.AuthID == "" {
		conf.AuthID = DefaultSmartScreenAuthID
	}
	return &SmartScreen{
		endpoint: conf.Endpoint,
		authID:   conf.AuthID,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// the service expects the host and path only
func smartScreenUri(rawUrl string) (string, error) {
	u, err := url.Parse(rawUrl)
	if err != nil {
		return "", errors.Wrap(err, "parse url")
	}
	if u.Host == "" {
		return "", errors.Errorf("url has no host: %s", rawUrl)
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	return strings.ToLower(u.Host) + path, nil
}

// Check reports whether the service would block navigation to the url
func (ss *SmartScreen) Check(ctx context.Context, rawUrl string) (bool, error) {
	uri, err := smartScreenUri(rawUrl)
	if err != nil {
		return false, err
	}
	payload, err := json.Marshal(ssRequest{
		CorrelationID: uuid.New().String(),
		Destination:   ssDestination{Uri: uri},
		Identity: ssIdentity{
			Client: ssClient{Version: "124.0.2478.51"},
			Device: ssDevice{Family: "desktop", Locale: "en-US", OsVersion: "10.0.19045"},
			User:   ssUser{Locale: "en-US"},
		},
		UserAgent: smartScreenUserAgent,
	})
	if err != nil {
		return false, errors.Wrap(err, "marshal request")
	}

	hash, key := SmartScreenHash(string(payload))
	auth, err := json.Marshal(ssAuthorization{
		AuthID: ss.authID,
		Hash:   hash,
		Key:    key,
	})
	if err != nil {
		return false, errors.Wrap(err, "marshal authorization")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ss.endpoint, bytes.NewReader(payload))
	if err != nil {
		return false, errors.Wrap(err, "create request")
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "SmartScreenHash "+base64.StdEncoding.EncodeToString(auth))

	resp, err := ss.http.Do(req)
	if err != nil {
		return false, errors.Wrap(err, "smartscreen check")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return false, app.HttpErr{Service: "smartscreen", Code: resp.StatusCode}
	}

	var res ssResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return false, errors.Wrap(err, "decode response")
	}
	return res.flagged(), nil
}
