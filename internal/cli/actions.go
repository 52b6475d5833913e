package cli

import (
	"github.com/roach88/pushdash/internal/harness"
)

// refuse reports a refused action and returns an ExitFailure error. The
// error code is the same outcome name scenario traces use.
func refuse(out *OutputFormatter, action string, err error) error {
	code := harness.Outcome(err)
	if werr := out.Error(code, err.Error(), nil); werr != nil {
		return werr
	}
	return WrapExitError(ExitFailure, action+" refused", err)
}
