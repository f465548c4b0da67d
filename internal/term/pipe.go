package term

import (
	"os"
	"os/exec"
)

// spawnPipe is the last-resort tier: plain pipes, interactive flags
// forced so the shell still prompts without a terminal. Programs that
// check for a tty will degrade, but the session stays usable.
func spawnPipe(opts SpawnOpts) (Session, error) {
	cmd := exec.Command(opts.Shell, interactiveArgs(opts.Shell)...)
	cmd.Dir = opts.Dir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	cmd.Env = append(cmd.Env, opts.Env...)
	return startProc(cmd, ModePipe, opts)
}
