package progress

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emanuelef/yt-batch-go/internal/domain"
)

func TestParseFetchLineRoundTrip(t *testing.T) {
	var snap domain.ProgressSnapshot
	ok := ParseFetchLine("[download]  42.5% of  120.30MiB at  3.10MiB/s ETA 00:01:12", &snap)

	require.True(t, ok)
	assert.Equal(t, 42.5, snap.Percentage)
	assert.Equal(t, "120.30 MiB", snap.DownloadedSize)
	assert.Equal(t, "120.30 MiB", snap.TotalSize)
	assert.Equal(t, "3.10 MiB/s", snap.Speed)
	assert.Equal(t, "00:01:12", snap.ETA)
	assert.Equal(t, domain.StageFetch, snap.Stage)
}

func TestParseFetchLineVariants(t *testing.T) {
	tests := []struct {
		name  string
		line  string
		pct   float64
		total string
		speed string
		eta   string
	}{
		{
			name:  "approximate size and short eta",
			line:  "[download]   7.0% of ~ 50.00MiB at  512.00KiB/s ETA 01:05",
			pct:   7,
			total: "50.00 MiB",
			speed: "512.00 KiB/s",
			eta:   "00:01:05",
		},
		{
			name:  "unknown speed and eta",
			line:  "[download]   0.0% of   10.00MiB at  Unknown B/s ETA Unknown",
			pct:   0,
			total: "10.00 MiB",
		},
		{
			name:  "finished line",
			line:  "[download] 100% of   10.00MiB in 00:00:03 at 3.20MiB/s",
			pct:   100,
			total: "10.00 MiB",
		},
		{
			name: "percent only",
			line: "[download]  12.3%",
			pct:  12.3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var snap domain.ProgressSnapshot
			require.True(t, ParseFetchLine(tt.line, &snap))
			assert.Equal(t, tt.pct, snap.Percentage)
			assert.Equal(t, tt.total, snap.TotalSize)
			assert.Equal(t, tt.speed, snap.Speed)
			assert.Equal(t, tt.eta, snap.ETA)
		})
	}
}

func TestParseFetchLineFilenames(t *testing.T) {
	tests := []struct {
		line string
		want string
	}{
		{"[download] Destination: /out/My Video.f137.mp4", "/out/My Video.f137.mp4"},
		{"[ExtractAudio] Destination: /out/Song.mp3", "/out/Song.mp3"},
		{`[Merger] Merging formats into "/out/My Video.mp4"`, "/out/My Video.mp4"},
		{"[download] /out/Old.mp4 has already been downloaded", "/out/Old.mp4"},
		{`[MoveFiles] Moving file "/tmp/a.mp4" to "/out/a.mp4"`, "/out/a.mp4"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			var snap domain.ProgressSnapshot
			require.True(t, ParseFetchLine(tt.line, &snap))
			assert.Equal(t, tt.want, snap.Filename)
		})
	}
}

func TestParseFetchLineIgnoresNoise(t *testing.T) {
	snap := domain.ProgressSnapshot{Percentage: 33, Speed: "1 MiB/s"}
	before := snap

	for _, line := range []string{"", "   ", "[youtube] abc: Downloading webpage", "garbage 99%", "[download] NaN%"} {
		assert.False(t, ParseFetchLine(line, &snap), line)
	}
	assert.Equal(t, before, snap)
	assert.False(t, ParseFetchLine("[download] 5%", nil))
}

func TestParseFetchLineProgressBounds(t *testing.T) {
	var snap domain.ProgressSnapshot
	require.True(t, ParseFetchLine("[download] 250.0% of 1.00MiB", &snap))
	assert.Equal(t, 100.0, snap.Percentage)
}

func TestTranscodeParser(t *testing.T) {
	p := NewTranscodeParser()
	var snap domain.ProgressSnapshot

	require.True(t, p.Parse("  Duration: 00:01:40.00, start: 0.000000, bitrate: 1000 kb/s", &snap))
	assert.Equal(t, 100.0, p.Duration())

	// later durations (e.g. of the output) are ignored
	p.Parse("  Duration: 00:00:10.00, start: 0.000000", &snap)
	assert.Equal(t, 100.0, p.Duration())

	require.True(t, p.Parse("frame=  240 fps= 60 q=28.0 size=  1024kB time=00:00:25.00 bitrate= 335.5kbits/s speed=2.5x", &snap))
	assert.InDelta(t, 25.0, snap.Percentage, 0.001)
	assert.Equal(t, "2.5x", snap.Speed)
	assert.Equal(t, domain.StageTranscode, snap.Stage)

	require.True(t, p.Parse("out_time=00:00:50.000000", &snap))
	assert.InDelta(t, 50.0, snap.Percentage, 0.001)

	require.True(t, p.Parse("out_time_us=75000000", &snap))
	assert.InDelta(t, 75.0, snap.Percentage, 0.001)

	require.True(t, p.Parse("out_time_us=500000000", &snap))
	assert.Equal(t, 100.0, snap.Percentage)

	require.True(t, p.Parse("progress=end", &snap))
	assert.Equal(t, 100.0, snap.Percentage)

	assert.False(t, p.Parse("bitrate=N/A", &snap))
}

func TestTranscodeParserUnknownDuration(t *testing.T) {
	p := NewTranscodeParser()
	var snap domain.ProgressSnapshot

	require.True(t, p.Parse("out_time=00:00:05.000000", &snap))
	assert.True(t, snap.Indeterminate)
	assert.Zero(t, snap.Percentage)

	p.SetDuration(10)
	require.True(t, p.Parse("out_time=00:00:05.000000", &snap))
	assert.False(t, snap.Indeterminate)
	assert.InDelta(t, 50.0, snap.Percentage, 0.001)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		line   string
		kind   domain.ErrorKind
		reason string
	}{
		{"ERROR: [youtube] abc: This video is unavailable", domain.ErrorKindExtraction, "unavailable"},
		{"ERROR: [youtube] abc: Video unavailable. This video is private", domain.ErrorKindExtraction, "unavailable"},
		{"ERROR: [youtube] abc: Sign in to confirm your age", domain.ErrorKindExtraction, "age_restricted"},
		{"ERROR: Unable to extract uploader id", domain.ErrorKindExtraction, "unable_to_extract"},
		{"ERROR: unable to download video data: HTTP Error 404: Not Found", domain.ErrorKindExtraction, "not_found"},
		{"ERROR: HTTP Error 429: Too Many Requests", domain.ErrorKindExtraction, "http_error"},
		{"ERROR: 'foo' is not a valid URL", domain.ErrorKindValidation, "invalid_url"},
		{"Conversion failed!", domain.ErrorKindTranscode, "conversion_failed"},
	}

	for _, tt := range tests {
		t.Run(tt.reason, func(t *testing.T) {
			c, ok := Classify(tt.line)
			require.True(t, ok)
			assert.Equal(t, tt.kind, c.Kind)
			assert.Equal(t, tt.reason, c.Reason)
			assert.NotContains(t, c.Message, "ERROR:")
		})
	}

	_, ok := Classify("WARNING: something harmless")
	assert.False(t, ok)
}

func TestErrorLog(t *testing.T) {
	log := NewErrorLog()
	log.Observe("WARNING: falling back")
	log.Observe("ERROR: [youtube] x: This video is unavailable")
	log.Observe("ERROR: HTTP Error 500")
	log.Observe("")

	first, ok := log.First()
	require.True(t, ok)
	assert.Equal(t, "unavailable", first.Reason)
	assert.Equal(t, "WARNING: falling back", log.Raw())
	assert.Equal(t, "WARNING: falling back", log.LastLine())

	empty := NewErrorLog()
	_, ok = empty.First()
	assert.False(t, ok)
	assert.Empty(t, empty.LastLine())
}
