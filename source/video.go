package source

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"image/jpeg"
	"io"
	"iter"
	"log/slog"
	"math"
	"os/exec"
	"strconv"
	"strings"

	"github.com/prism-search/prism/model"
)

// FrameStride computes the sampling stride in source frames for a video
// running at videoFPS, given a target sampling rate and a minimum interval
// in seconds. The stride is at least 1.
func FrameStride(videoFPS, targetFPS, minInterval float64) int {
	if videoFPS <= 0 {
		return 1
	}
	if targetFPS <= 0 {
		targetFPS = 1
	}
	stride := videoFPS / targetFPS
	if floor := minInterval * videoFPS; floor > stride {
		stride = floor
	}
	if stride < 1 {
		return 1
	}
	return int(math.Round(stride))
}

// VirtualFramePath encodes a video file and an in-video timestamp as a
// single frame path, e.g. "clip.mp4#t=12.50".
func VirtualFramePath(videoPath string, seconds float64) string {
	return fmt.Sprintf("%s#t=%.2f", videoPath, seconds)
}

// FFmpegOptions contains configuration options for the ffmpeg extractor.
type FFmpegOptions struct {
	// FFmpegPath and FFprobePath override binary lookup on PATH.
	FFmpegPath  string
	FFprobePath string
	Logger      *slog.Logger
}

// DefaultFFmpegOptions contains the default configuration options for the
// ffmpeg extractor.
var DefaultFFmpegOptions = FFmpegOptions{
	FFmpegPath:  "ffmpeg",
	FFprobePath: "ffprobe",
}

// FFmpegExtractor extracts video frames by piping selected frames through
// ffmpeg as a single MJPEG stream, decoded sequentially. It never writes
// temporary files.
type FFmpegExtractor struct {
	opts   FFmpegOptions
	logger *slog.Logger
}

// NewFFmpegExtractor creates an extractor using the ffmpeg and ffprobe
// binaries.
func NewFFmpegExtractor(optFns ...func(o *FFmpegOptions)) *FFmpegExtractor {
	opts := DefaultFFmpegOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return &FFmpegExtractor{opts: opts, logger: opts.Logger}
}

// ExtractFrames implements model.VideoExtractor.
func (e *FFmpegExtractor) ExtractFrames(ctx context.Context, videoPath string, opts model.ExtractOptions) iter.Seq2[model.ExtractedFrame, error] {
	return func(yield func(model.ExtractedFrame, error) bool) {
		fps, err := e.probeFPS(ctx, videoPath)
		if err != nil {
			yield(model.ExtractedFrame{}, fmt.Errorf("probe %q: %w", videoPath, err))
			return
		}
		stride := FrameStride(fps, opts.TargetFPS, opts.MinInterval)

		cmd := exec.CommandContext(ctx, e.opts.FFmpegPath,
			"-i", videoPath,
			"-vf", fmt.Sprintf("select=not(mod(n\\,%d))", stride),
			"-vsync", "vfr",
			"-f", "image2pipe",
			"-vcodec", "mjpeg",
			"-q:v", "2",
			"pipe:1",
		)
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			yield(model.ExtractedFrame{}, err)
			return
		}
		if err := cmd.Start(); err != nil {
			yield(model.ExtractedFrame{}, fmt.Errorf("start ffmpeg: %w", err))
			return
		}
		defer func() {
			io.Copy(io.Discard, stdout)
			cmd.Wait()
		}()

		reader := bufio.NewReaderSize(stdout, 1<<20)
		for idx := 0; opts.MaxFrames <= 0 || idx < opts.MaxFrames; idx++ {
			data, err := readMJPEGFrame(reader)
			if err != nil {
				if err == io.EOF {
					return
				}
				yield(model.ExtractedFrame{}, fmt.Errorf("read frame %d of %q: %w", idx, videoPath, err))
				return
			}
			img, err := jpeg.Decode(bytes.NewReader(data))
			if err != nil {
				yield(model.ExtractedFrame{}, fmt.Errorf("decode frame %d of %q: %w", idx, videoPath, err))
				return
			}
			ts := float64(idx*stride) / fps
			frame := model.ExtractedFrame{
				Image:       img,
				Timestamp:   ts,
				VirtualPath: VirtualFramePath(videoPath, ts),
			}
			if !yield(frame, nil) {
				return
			}
		}
	}
}

// readMJPEGFrame returns the bytes of the next complete JPEG in an MJPEG
// stream, from SOI through EOI. The JPEG decoder reads ahead of the image it
// decodes, so frames must be split out of the stream before decoding.
// Returns io.EOF when the stream ends cleanly between frames.
func readMJPEGFrame(r *bufio.Reader) ([]byte, error) {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b != 0xFF {
			continue
		}
		b, err = r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b == 0xD8 {
			break
		}
		if b == 0xFF {
			r.UnreadByte()
		}
	}
	// Entropy-coded 0xFF bytes are stuffed with 0x00 and restart markers
	// stop at 0xD7, so FFD9 inside a frame is always the real EOI.
	buf := []byte{0xFF, 0xD8}
	for {
		b, err := r.ReadByte()
		if err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, fmt.Errorf("truncated frame: %w", err)
		}
		buf = append(buf, b)
		if b == 0xD9 && buf[len(buf)-2] == 0xFF {
			return buf, nil
		}
	}
}

// probeFPS reads the average frame rate of the first video stream.
func (e *FFmpegExtractor) probeFPS(ctx context.Context, videoPath string) (float64, error) {
	out, err := exec.CommandContext(ctx, e.opts.FFprobePath,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=avg_frame_rate",
		"-of", "default=noprint_wrappers=1:nokey=1",
		videoPath,
	).Output()
	if err != nil {
		return 0, err
	}
	return parseFrameRate(strings.TrimSpace(string(out)))
}

// parseFrameRate parses ffprobe rate expressions like "30000/1001" or "25".
func parseFrameRate(s string) (float64, error) {
	if num, den, found := strings.Cut(s, "/"); found {
		n, err1 := strconv.ParseFloat(num, 64)
		d, err2 := strconv.ParseFloat(den, 64)
		if err1 != nil || err2 != nil || d == 0 {
			return 0, fmt.Errorf("unparseable frame rate %q", s)
		}
		return n / d, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f <= 0 {
		return 0, fmt.Errorf("unparseable frame rate %q", s)
	}
	return f, nil
}
