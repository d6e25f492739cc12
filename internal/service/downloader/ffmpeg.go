package downloader

import (
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/emanuelef/yt-batch-go/internal/domain"
	"github.com/emanuelef/yt-batch-go/internal/infra/fs"
)

// buildTranscodeArgs constructs the converter arguments.
func buildTranscodeArgs(job domain.Job, input, output string) []string {
	args := []string{"-hide_banner", "-i", input}
	if job.VideoBitrate != nil && *job.VideoBitrate > 0 {
		args = append(args, "-b:v", strconv.Itoa(*job.VideoBitrate)+"k")
	}
	args = append(args,
		"-b:a", strconv.Itoa(int(job.AudioBitrate))+"k",
		"-max_muxing_queue_size", "1024",
		"-progress", "pipe:1",
		"-nostats",
		"-y",
		output,
	)
	return args
}

// tempTranscodePath returns a unique hidden temp path next to the final output.
func tempTranscodePath(dir string, format domain.Format) string {
	id := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	return filepath.Join(dir, fs.TempPrefix+id+"."+format.Extension())
}

// finalTranscodePath keeps the input's base name with the target extension.
func finalTranscodePath(input string, format domain.Format) string {
	base := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
	return filepath.Join(filepath.Dir(input), base+"."+format.Extension())
}
