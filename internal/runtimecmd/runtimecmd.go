// Package runtimecmd builds the acp.RuntimeCommand shared by every binary
// that starts ACP-speaking runtime subprocesses (cmd/tinycrab-agent,
// cmd/tinycrab-bot): a shell-style command line names the runtime, each
// session's workspace becomes its working directory, and the resolved
// provider API key reaches it through its own environment-variable
// contract rather than argv.
package runtimecmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/tinycrab/tinycrab/internal/authstore"
	"github.com/tinycrab/tinycrab/internal/config"
	"github.com/tinycrab/tinycrab/internal/llm"
	"github.com/tinycrab/tinycrab/internal/llm/acp"
	"github.com/tinycrab/tinycrab/internal/procmgr"
)

// Build returns an acp.RuntimeCommand that launches rawCmd (e.g.
// "auggie --acp"), appending --model when model is set and exporting the
// provider's API key from auth into the subprocess environment.
func Build(rawCmd, provider, model string, auth *authstore.Store) acp.RuntimeCommand {
	return func(cfg llm.Config) (procmgr.Config, error) {
		if rawCmd == "" {
			return procmgr.Config{}, fmt.Errorf("runtimecmd: no runtime command configured")
		}
		args := strings.Fields(rawCmd)
		if model != "" {
			args = append(args, "--model", model)
		}

		env := os.Environ()
		if key, ok := auth.Get(provider); ok {
			env = append(env, config.ProviderAPIKeyEnvVar(provider)+"="+key)
		}

		return procmgr.Config{
			Args: args,
			Dir:  cfg.WorkspacePath,
			Env:  env,
		}, nil
	}
}
