// Package plugin invokes storage-backend plugin binaries' materialize
// callout (§6.3): a single JSON request on the subprocess's stdin, a JSON
// {size} response on stdout, and a capped stderr capture kept only for
// diagnostics. No retry happens in this package — a failed materialize
// surfaces to the resolver's Tier 5 as unavailable, and the next access
// starts over from scratch.
package plugin

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"

	"github.com/mosaicfs/mosaicfs/internal/config"
	"github.com/mosaicfs/mosaicfs/internal/resolver"
	"github.com/mosaicfs/mosaicfs/pkg/engineerr"
)

var _ resolver.PluginInvoker = (*Materializer)(nil)

const maxStderrCapture = 1 << 20 // 1 MiB, per §6.3

// request is the JSON object written to the plugin's stdin.
type request struct {
	Event       string `json:"event"`
	FileID      string `json:"file_id"`
	ExportPath  string `json:"export_path"`
	StagingPath string `json:"staging_path"`
}

// response is the JSON object a plugin writes to stdout on success.
type response struct {
	Size int64 `json:"size"`
}

// Materializer runs a configured plugin's materialize callout as a
// subprocess. It implements resolver.PluginInvoker.
type Materializer struct {
	plugins map[string]config.PluginConfig
}

// New builds a Materializer from the agent's configured plugin list, indexed
// by name.
func New(plugins []config.PluginConfig) *Materializer {
	byName := make(map[string]config.PluginConfig, len(plugins))
	for _, p := range plugins {
		byName[p.Name] = p
	}
	return &Materializer{plugins: byName}
}

// Materialize spawns pluginName's configured command, writes the materialize
// request to its stdin, and waits for it to stage the file's bytes at
// stagingPath and report {size} on stdout.
func (m *Materializer) Materialize(ctx context.Context, pluginName, fileID, exportPath, stagingPath string) error {
	cfg, ok := m.plugins[pluginName]
	if !ok {
		return engineerr.New(engineerr.CodePluginMissing, "no plugin configured with this name").
			WithComponent("plugin").WithOperation("materialize").WithDetail("plugin", pluginName)
	}

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	reqBody, err := json.Marshal(request{
		Event:       "materialize",
		FileID:      fileID,
		ExportPath:  exportPath,
		StagingPath: stagingPath,
	})
	if err != nil {
		return engineerr.New(engineerr.CodeInternal, "failed to encode materialize request").
			WithComponent("plugin").WithOperation("materialize").WithCause(err)
	}

	cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
	cmd.Stdin = bytes.NewReader(reqBody)

	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	stderr := newCappedBuffer(maxStderrCapture)
	cmd.Stderr = stderr

	if err := cmd.Run(); err != nil {
		return engineerr.New(engineerr.CodeUpstreamFailure, "plugin materialize callout failed").
			WithComponent("plugin").WithOperation("materialize").
			WithDetail("plugin", pluginName).WithDetail("stderr", stderr.String()).
			WithCause(err)
	}

	var resp response
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return engineerr.New(engineerr.CodeUpstreamFailure, "plugin emitted a malformed materialize response").
			WithComponent("plugin").WithOperation("materialize").
			WithDetail("plugin", pluginName).WithCause(err)
	}
	if resp.Size < 0 {
		return engineerr.New(engineerr.CodeUpstreamFailure, "plugin reported a negative size").
			WithComponent("plugin").WithOperation("materialize").WithDetail("plugin", pluginName)
	}

	return nil
}
