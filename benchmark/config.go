package benchmark

import "time"

const (
	// remotePatchName is where the patch lands in the instance's home
	// directory; the rendered setup script applies it from there.
	remotePatchName = "patch.diff"

	// remoteScriptName is the setup script's name on the instance, whatever
	// the local file was called.
	remoteScriptName = "setup_script.sh"

	// remoteLogName is the remote copy of the setup output, teed next to the
	// script while it runs.
	remoteLogName = "setup_output.log"

	// generatedScriptName is where a rendered setup script is written in the
	// working directory, so the exact uploaded script can be inspected. A
	// user-supplied script is never overwritten.
	generatedScriptName = "setup_script.generated.sh"

	// teardownTimeout bounds the destroy call that runs after the pipeline
	// context is already cancelled.
	teardownTimeout = 2 * time.Minute

	// heartbeatInterval is how often the run logs that the remote script is
	// still going, with the elapsed time and the hourly price.
	heartbeatInterval = 1 * time.Minute
)
