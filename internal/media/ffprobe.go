package media

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/adlens/adlens/internal/config"
	"github.com/adlens/adlens/internal/model"
)

// FFprobeAcquirer downloads remote sources into a temp directory and probes
// local files with ffprobe.
type FFprobeAcquirer struct {
	cfg  config.MediaConfig
	http *http.Client

	// probe is swappable for tests.
	probe func(ctx context.Context, path string) (*probeResult, error)
}

// NewFFprobe creates an acquirer using the configured ffprobe binary.
func NewFFprobe(cfg config.MediaConfig) *FFprobeAcquirer {
	a := &FFprobeAcquirer{
		cfg: cfg,
		http: &http.Client{
			// Videos can be large.
			Timeout: time.Duration(cfg.DownloadTimeoutSecs) * time.Second,
		},
	}
	a.probe = a.runFFprobe
	return a
}

func (a *FFprobeAcquirer) Acquire(ctx context.Context, source model.Source) (*Handle, error) {
	var path string
	var temp bool

	switch source.Kind {
	case model.SourceUpload:
		path = source.Path
	case model.SourceRemote:
		downloaded, err := a.download(ctx, source.URL)
		if err != nil {
			return nil, err
		}
		path = downloaded
		temp = true
	default:
		return nil, &AcquisitionError{Reason: "unknown source kind " + string(source.Kind)}
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, &AcquisitionError{Reason: "media file missing", Err: err}
	}
	if maxBytes := a.cfg.MaxSizeMB * 1024 * 1024; maxBytes > 0 && info.Size() > maxBytes {
		return nil, &AcquisitionError{Reason: "media exceeds size ceiling"}
	}

	pr, err := a.probe(ctx, path)
	if err != nil {
		return nil, &AcquisitionError{Reason: "probe failed", Err: err}
	}
	if a.cfg.MaxDurationSecs > 0 && pr.duration > float64(a.cfg.MaxDurationSecs) {
		return nil, &AcquisitionError{Reason: "media exceeds duration ceiling"}
	}

	h := &Handle{
		Path:            path,
		SizeBytes:       info.Size(),
		DurationSeconds: pr.duration,
		FrameRate:       pr.frameRate,
		Width:           pr.width,
		Height:          pr.height,
		Temp:            temp,
	}

	zap.L().Debug("media: acquired",
		zap.String("path", path),
		zap.Float64("duration_secs", pr.duration),
		zap.Int64("size_bytes", info.Size()),
	)
	return h, nil
}

// download fetches a remote source into the temp directory, enforcing the
// size ceiling while streaming.
func (a *FFprobeAcquirer) download(ctx context.Context, mediaURL string) (string, error) {
	if err := os.MkdirAll(a.cfg.TempDir, 0o755); err != nil {
		return "", &AcquisitionError{Reason: "create temp dir", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return "", &AcquisitionError{Reason: "bad media URL", Err: err}
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return "", &AcquisitionError{Reason: "media unreachable", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &AcquisitionError{Reason: "media fetch returned status " + strconv.Itoa(resp.StatusCode)}
	}

	path := filepath.Join(a.cfg.TempDir, uuid.New().String()+".media")
	out, err := os.Create(path)
	if err != nil {
		return "", &AcquisitionError{Reason: "create temp file", Err: err}
	}

	var reader io.Reader = resp.Body
	maxBytes := a.cfg.MaxSizeMB * 1024 * 1024
	if maxBytes > 0 {
		reader = io.LimitReader(resp.Body, maxBytes+1)
	}

	n, err := io.Copy(out, reader)
	closeErr := out.Close()
	if err != nil {
		_ = os.Remove(path)
		return "", &AcquisitionError{Reason: "download interrupted", Err: err}
	}
	if closeErr != nil {
		_ = os.Remove(path)
		return "", &AcquisitionError{Reason: "write temp file", Err: closeErr}
	}
	if maxBytes > 0 && n > maxBytes {
		_ = os.Remove(path)
		return "", &AcquisitionError{Reason: "media exceeds size ceiling"}
	}
	return path, nil
}

type probeResult struct {
	duration  float64
	frameRate float64
	width     int
	height    int
}

// ffprobeOutput matches the parts of `ffprobe -show_format -show_streams
// -of json` the acquirer reads.
type ffprobeOutput struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
	Streams []struct {
		CodecType    string `json:"codec_type"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		AvgFrameRate string `json:"avg_frame_rate"`
	} `json:"streams"`
}

func (a *FFprobeAcquirer) runFFprobe(ctx context.Context, path string) (*probeResult, error) {
	args := []string{
		"-v", "error",
		"-show_format",
		"-show_streams",
		"-of", "json",
		path,
	}
	out, err := exec.CommandContext(ctx, a.cfg.FFprobePath, args...).Output()
	if err != nil {
		return nil, eris.Wrap(err, "media: ffprobe")
	}

	var parsed ffprobeOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return nil, eris.Wrap(err, "media: parse ffprobe output")
	}

	pr := &probeResult{}
	pr.duration, err = strconv.ParseFloat(strings.TrimSpace(parsed.Format.Duration), 64)
	if err != nil {
		return nil, eris.New("media: duration missing from probe")
	}

	for _, s := range parsed.Streams {
		if s.CodecType != "video" {
			continue
		}
		pr.width = s.Width
		pr.height = s.Height
		pr.frameRate = parseFrameRate(s.AvgFrameRate)
		break
	}
	return pr, nil
}

// parseFrameRate parses ffprobe's rational frame rate ("30000/1001").
func parseFrameRate(raw string) float64 {
	parts := strings.SplitN(raw, "/", 2)
	if len(parts) != 2 {
		v, _ := strconv.ParseFloat(raw, 64)
		return v
	}
	num, err1 := strconv.ParseFloat(parts[0], 64)
	den, err2 := strconv.ParseFloat(parts[1], 64)
	if err1 != nil || err2 != nil || den == 0 {
		return 0
	}
	return num / den
}

// Cleanup removes a downloaded temp file. Uploaded files are left alone.
func Cleanup(h *Handle) {
	if h == nil || !h.Temp {
		return
	}
	if err := os.Remove(h.Path); err != nil && !os.IsNotExist(err) {
		zap.L().Warn("media: cleanup failed", zap.String("path", h.Path), zap.Error(err))
	}
}
