// Package client implements the §4.5 cluster client: it tracks the
// builder fleet advertised by a coordinator, applies a cooldown to a
// builder after a failed RPC so a flaky machine isn't retried on
// every single compile, and dispatches a compile step to a selected
// builder over HTTP, returning *octobuild.RemoteUnavailable so the
// caller (internal/compiler.SharedState) can fall back to a local
// compile.
package client

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/octobuild/octobuild"
	"github.com/octobuild/octobuild/internal/cluster/wire"
	"github.com/octobuild/octobuild/internal/toolchain"
)

// builderCooldown is how long a builder is skipped for selection
// after an RPC to it fails (a hard-coded value, not a tunable).
const builderCooldown = 5 * time.Second

var httpClient = &http.Client{Transport: &http.Transport{MaxIdleConnsPerHost: 16}}

type builderState struct {
	info          wire.BuilderInfo
	cooldownUntil time.Time
}

// Client fetches and caches the builder list from a coordinator and
// dispatches compiles to it.
type Client struct {
	CoordinatorURL string

	mu       sync.Mutex
	builders map[string]*builderState
	fetched  time.Time
}

func New(coordinatorURL string) *Client {
	return &Client{
		CoordinatorURL: coordinatorURL,
		builders:       make(map[string]*builderState),
	}
}

// refreshInterval bounds how often the client re-polls the
// coordinator's builder list (a hard-coded 1s).
const refreshInterval = 1 * time.Second

func (c *Client) refresh(ctx context.Context) error {
	c.mu.Lock()
	stale := time.Since(c.fetched) < refreshInterval
	c.mu.Unlock()
	if stale {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.CoordinatorURL+"/rpc/v1/builder/list", nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("coordinator returned HTTP %d", resp.StatusCode)
	}
	list, err := wire.ReadBuilderInfoList(resp.Body)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetched = time.Now()
	seen := make(map[string]bool, len(list))
	for _, info := range list {
		seen[info.Endpoint] = true
		if s, ok := c.builders[info.Endpoint]; ok {
			s.info = info
		} else {
			c.builders[info.Endpoint] = &builderState{info: info}
		}
	}
	for endpoint := range c.builders {
		if !seen[endpoint] {
			delete(c.builders, endpoint)
		}
	}
	return nil
}

// selectBuilder picks a random builder supporting toolchainID that is
// not currently in its cooldown window.
func (c *Client) selectBuilder(toolchainID string, now time.Time) *wire.BuilderInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	var candidates []wire.BuilderInfo
	for _, s := range c.builders {
		if now.Before(s.cooldownUntil) {
			continue
		}
		for _, tc := range s.info.Toolchains {
			if tc == toolchainID {
				candidates = append(candidates, s.info)
				break
			}
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	chosen := candidates[rand.Intn(len(candidates))]
	return &chosen
}

func (c *Client) markCooldown(endpoint string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.builders[endpoint]; ok {
		s.cooldownUntil = now.Add(builderCooldown)
	}
}

// Compile implements compiler.RemoteBackend.
func (c *Client) Compile(ctx context.Context, toolchainID string, step toolchain.CompileStep) (octobuild.OutputInfo, error) {
	if err := c.refresh(ctx); err != nil {
		return octobuild.OutputInfo{}, &octobuild.RemoteUnavailable{Reason: "refreshing builder list", Err: err}
	}

	builder := c.selectBuilder(toolchainID, time.Now())
	if builder == nil {
		return octobuild.OutputInfo{}, &octobuild.RemoteUnavailable{Reason: "no builder advertises toolchain " + toolchainID}
	}

	var precompiledKey string
	if step.InputPrecompiled != "" {
		key, err := c.ensurePrecompiledUploaded(ctx, builder.Endpoint, step.InputPrecompiled)
		if err != nil {
			c.markCooldown(builder.Endpoint, time.Now())
			return octobuild.OutputInfo{}, &octobuild.RemoteUnavailable{Reason: "uploading precompiled header", Err: err}
		}
		precompiledKey = key
	}

	preprocessed, err := readAll(step.Preprocessed)
	if err != nil {
		return octobuild.OutputInfo{}, &octobuild.RemoteUnavailable{Reason: "reading preprocessed input", Err: err}
	}

	var body bytes.Buffer
	if err := wire.WriteCompileRequest(&body, wire.CompileRequest{
		ToolchainID:    toolchainID,
		Args:           stepArgsText(step),
		Preprocessed:   preprocessed,
		PrecompiledKey: precompiledKey,
	}); err != nil {
		return octobuild.OutputInfo{}, &octobuild.RemoteUnavailable{Reason: "encoding compile request", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, builder.Endpoint+"/rpc/v1/builder/task", &body)
	if err != nil {
		return octobuild.OutputInfo{}, &octobuild.RemoteUnavailable{Reason: "building compile request", Err: err}
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		c.markCooldown(builder.Endpoint, time.Now())
		return octobuild.OutputInfo{}, &octobuild.RemoteUnavailable{Reason: "dispatching compile to " + builder.Endpoint, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.markCooldown(builder.Endpoint, time.Now())
		return octobuild.OutputInfo{}, &octobuild.RemoteUnavailable{Reason: "builder returned " + resp.Status}
	}

	cresp, err := wire.ReadCompileResponse(resp.Body)
	if err != nil {
		c.markCooldown(builder.Endpoint, time.Now())
		return octobuild.OutputInfo{}, &octobuild.RemoteUnavailable{Reason: "reading compile response from " + builder.Endpoint, Err: err}
	}
	if step.OutputObject != "" && len(cresp.Object) > 0 {
		if err := writeFile(step.OutputObject, cresp.Object); err != nil {
			return octobuild.OutputInfo{}, &octobuild.RemoteUnavailable{Reason: "writing remote object", Err: err}
		}
	}
	return octobuild.OutputInfo{Status: int(cresp.Status), Stdout: cresp.Stdout, Stderr: cresp.Stderr}, nil
}

// ensurePrecompiledUploaded HEADs the builder's object store for the
// content hash of path and, on a miss, POSTs the file -- the same
// HEAD-then-upload dance nocc's obj-cache client side uses to avoid
// re-sending a PCH that a builder already has.
func (c *Client) ensurePrecompiledUploaded(ctx context.Context, endpoint, path string) (string, error) {
	data, err := readFileBytes(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	key := hex.EncodeToString(sum[:])
	url := endpoint + "/rpc/v1/builder/upload/" + key

	headReq, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return "", err
	}
	headResp, err := httpClient.Do(headReq)
	if err != nil {
		return "", err
	}
	headResp.Body.Close()
	if headResp.StatusCode == http.StatusOK {
		return key, nil // builder already has it
	}

	postReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	postResp, err := httpClient.Do(postReq)
	if err != nil {
		return "", err
	}
	defer postResp.Body.Close()
	if postResp.StatusCode != http.StatusOK && postResp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("uploading %s: builder returned %s", key, postResp.Status)
	}
	return key, nil
}
