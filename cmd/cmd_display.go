package cmd

import (
	"io"

	"github.com/schollz/progressbar/v3"
)

// newLoadProgress returns a progress bar tracking shard-loading bytes,
// the same role progressbar plays for gomlx's training-step reporting.
// total is the sum of every shard binary's byte size.
func newLoadProgress(w io.Writer, total int64) *progressbar.ProgressBar {
	return progressbar.NewOptions64(total,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription("loading shards"),
		progressbar.OptionShowBytes(true),
		progressbar.OptionClearOnFinish(),
	)
}
