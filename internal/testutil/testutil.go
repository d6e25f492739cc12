// Package testutil provides fake fetcher and converter executables for tests.
package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

// Fake fetcher behavior is keyed by the URL:
//   - "unavailable" in the URL fails with an extraction error
//   - "hang" prints one progress line and sleeps for 30s
//   - "slow" sleeps 1s before downloading
//   - anything else writes "<basename of URL>.<ext>" via the -o template
const fakeFetcherScript = `#!/bin/sh
out=""
url=""
ext="mp4"
dump=0
while [ $# -gt 0 ]; do
  case "$1" in
    -o) out="$2"; shift 2 ;;
    --merge-output-format|--audio-format) ext="$2"; shift 2 ;;
    --dump-json) dump=1; shift ;;
    *) url="$1"; shift ;;
  esac
done
title=$(basename "$url")
if [ "$dump" = 1 ]; then
  printf '{"title":"%s","duration":10,"extractor":"fake","webpage_url":"%s"}\n' "$title" "$url"
  exit 0
fi
case "$url" in
  *unavailable*)
    echo "ERROR: [fake] $title: This video is unavailable" >&2
    exit 1 ;;
  *hang*)
    echo "[download]   1.0% of 1.00MiB at 1.00KiB/s ETA 10:00"
    sleep 30
    exit 0 ;;
  *slow*)
    sleep 1 ;;
esac
file=$(printf '%s' "$out" | sed -e "s/%(title)s/$title/" -e "s/%(ext)s/$ext/")
echo "[download] Destination: $file"
printf '[download]  50.0%% of 1.00MiB at 1.00MiB/s ETA 00:01\r'
printf 'media' > "$file"
echo "[download] 100% of 1.00MiB in 00:00:01 at 1.00MiB/s"
`

const converterPrelude = `#!/bin/sh
in=""
for a in "$@"; do out="$a"; done
while [ $# -gt 0 ]; do
  case "$1" in
    -i) in="$2"; shift 2 ;;
    *) shift ;;
  esac
done
echo "  Duration: 00:00:10.00, start: 0.000000, bitrate: 100 kb/s" >&2
sleep 0.2
`

const fakeConverterOK = converterPrelude + `echo "out_time_us=5000000"
echo "progress=continue"
cp "$in" "$out"
echo "out_time_us=10000000"
echo "progress=end"
`

const fakeConverterFail = converterPrelude + `echo "out_time_us=2000000"
printf 'partial' > "$out"
echo "Conversion failed!" >&2
exit 1
`

// ConverterMode selects the fake converter behavior.
type ConverterMode int

const (
	ConverterOK ConverterMode = iota
	ConverterFail
	ConverterMissing
)

// FakeTools is a tool resolver backed by generated shell scripts.
type FakeTools struct {
	Dir       string
	Fetcher   string
	Converter string
}

// RequireShell skips the test when /bin/sh scripts cannot run.
func RequireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake tools require /bin/sh")
	}
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("fake tools require /bin/sh")
	}
}

// NewFakeTools writes the fake executables into a temp dir.
func NewFakeTools(t *testing.T, mode ConverterMode) *FakeTools {
	t.Helper()
	RequireShell(t)

	dir := t.TempDir()
	f := &FakeTools{Dir: dir}
	f.Fetcher = writeScript(t, dir, "yt-dlp", fakeFetcherScript)

	switch mode {
	case ConverterOK:
		f.Converter = writeScript(t, dir, "ffmpeg", fakeConverterOK)
	case ConverterFail:
		f.Converter = writeScript(t, dir, "ffmpeg", fakeConverterFail)
	}
	return f
}

// Resolve implements the downloader's tool resolver.
func (f *FakeTools) Resolve(name string) (string, error) {
	switch name {
	case "yt-dlp":
		if f.Fetcher != "" {
			return f.Fetcher, nil
		}
	case "ffmpeg":
		if f.Converter != "" {
			return f.Converter, nil
		}
	}
	return "", fmt.Errorf("tool not found: %s", name)
}

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatalf("Failed to write fake %s: %v", name, err)
	}
	return path
}
