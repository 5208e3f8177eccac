package middleware

import (
	"context"
	"os"
	"os/exec"
	"strings"

	"github.com/kb-labs/analytics-pipeline/pkg/event"
	"github.com/kb-labs/analytics-pipeline/pkg/fn"
)

// EnrichConfig controls which ambient fields the enrich stage fills in.
type EnrichConfig struct {
	Git       bool
	Host      bool
	CLI       bool
	Workspace bool

	// CLIVersion overrides the environment-derived CLI version; empty
	// reads KB_ANALYTICS_CLI_VERSION.
	CLIVersion string
}

type gitInfo struct {
	branch, commit, repo string
	ok                   bool
}

type enricher struct {
	cfg       EnrichConfig
	hostname  string
	workspace string
	cliVer    string
	git       gitInfo
}

func newEnricher(cfg EnrichConfig) (*enricher, error) {
	e := &enricher{cfg: cfg}

	if cfg.Host {
		if h, err := os.Hostname(); err == nil {
			e.hostname = h
		}
	}
	if cfg.Workspace {
		if wd, err := os.Getwd(); err == nil {
			e.workspace = wd
		}
	}
	if cfg.CLI {
		e.cliVer = cfg.CLIVersion
		if e.cliVer == "" {
			e.cliVer = os.Getenv("KB_ANALYTICS_CLI_VERSION")
		}
	}
	if cfg.Git {
		e.git = lookupGit()
	}

	return e, nil
}

// lookupGit shells out to git once; failures (not a repo, git missing)
// simply leave ok=false and the enrich stage skips those fields.
func lookupGit() gitInfo {
	branch, err1 := runGit("rev-parse", "--abbrev-ref", "HEAD")
	commit, err2 := runGit("rev-parse", "HEAD")
	repo, err3 := runGit("rev-parse", "--show-toplevel")
	if err1 != nil || err2 != nil || err3 != nil {
		return gitInfo{}
	}
	return gitInfo{branch: branch, commit: commit, repo: repo, ok: true}
}

func runGit(args ...string) (string, error) {
	out, err := exec.Command("git", args...).Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (e *enricher) stage(_ context.Context, ev *event.AnalyticsEventV1) fn.Result[Outcome] {
	out := ev.Clone()
	if out.Ctx == nil {
		out.Ctx = make(map[string]any)
	}

	setIfAbsent := func(k string, v any) {
		if _, present := out.Ctx[k]; !present {
			out.Ctx[k] = v
		}
	}

	if e.cfg.Host && e.hostname != "" {
		setIfAbsent("hostname", e.hostname)
	}
	if e.cfg.Workspace && e.workspace != "" {
		setIfAbsent("workspace", e.workspace)
	}
	if e.cfg.CLI && e.cliVer != "" {
		setIfAbsent("cliVersion", e.cliVer)
	}
	if e.cfg.Git && e.git.ok {
		setIfAbsent("branch", e.git.branch)
		setIfAbsent("commit", e.git.commit)
		setIfAbsent("repo", e.git.repo)
	}

	return keep(out)
}
