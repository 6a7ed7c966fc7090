package daemon

import "embed"

// promptsFS holds the prompt templates compiled into the binary.
// new.md is rendered for freshly claimed tasks, resume.md for tasks
// re-attached after a runner restart or found orphaned in progress.
//
//go:embed prompts/new.md prompts/resume.md
var promptsFS embed.FS
