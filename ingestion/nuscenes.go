package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/prism-search/prism/model"
)

// nuScenes table versions probed during dataset resolution, most specific
// first.
var nuScenesVersions = []string{"v1.0-mini", "v1.0-trainval", "v1.0-test", "v1.0"}

// cameraChannelAngles maps nuScenes camera channels to canonical sensor
// angles.
var cameraChannelAngles = map[string]string{
	"CAM_FRONT":       "front",
	"CAM_FRONT_LEFT":  "front_left",
	"CAM_FRONT_RIGHT": "front_right",
	"CAM_BACK":        "back",
	"CAM_BACK_LEFT":   "back_left",
	"CAM_BACK_RIGHT":  "back_right",
}

var lidarChannelAngles = map[string]string{
	"LIDAR_TOP": "top",
}

var radarChannelAngles = map[string]string{
	"RADAR_FRONT":       "front",
	"RADAR_FRONT_LEFT":  "front_left",
	"RADAR_FRONT_RIGHT": "front_right",
	"RADAR_BACK_LEFT":   "back_left",
	"RADAR_BACK_RIGHT":  "back_right",
}

type nuScene struct {
	Token       string `json:"token"`
	LogToken    string `json:"log_token"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type nuSample struct {
	Token      string `json:"token"`
	SceneToken string `json:"scene_token"`
	// Timestamp is microseconds since the Unix epoch.
	Timestamp int64 `json:"timestamp"`
}

type nuSampleData struct {
	Token       string `json:"token"`
	SampleToken string `json:"sample_token"`
	Filename    string `json:"filename"`
	FileFormat  string `json:"fileformat"`
	IsKeyFrame  bool   `json:"is_key_frame"`
}

// nuScenesSkipStats counts the reasons sample_data records were excluded
// from a load. Logged once per load; the counts are the operator's only
// visibility into why a dataset yielded fewer frames than expected.
type nuScenesSkipStats struct {
	NonKeyFrames    int
	NoFilename      int
	UnknownSamples  int
	UnknownChannels int
	MissingFiles    int
	RenderFailures  int
}

// NuScenesLoader loads metadata from a nuScenes-layout dataset. Camera
// samples map directly to their image files; LiDAR samples are rendered to
// birds-eye-view images through the configured renderer; radar samples are
// recorded as metadata pointing at the raw sensor file.
type NuScenesLoader struct {
	datasetPath string
	renderer    model.PointCloudRenderer
	logger      *slog.Logger
}

// NewNuScenesLoader creates a loader rooted at datasetPath. renderer may be
// nil, in which case LiDAR samples are skipped.
func NewNuScenesLoader(datasetPath string, renderer model.PointCloudRenderer, logger *slog.Logger) *NuScenesLoader {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &NuScenesLoader{datasetPath: datasetPath, renderer: renderer, logger: logger}
}

// LoadMetadata reads the scene, sample, and sample_data tables and produces
// one metadata record per usable keyframe.
func (l *NuScenesLoader) LoadMetadata(ctx context.Context, datasetPath string) ([]model.FrameMetadata, error) {
	if datasetPath == "" {
		datasetPath = l.datasetPath
	}
	dataRoot, tableDir, err := resolveNuScenesDirs(datasetPath)
	if err != nil {
		return nil, err
	}

	var (
		scenes      []nuScene
		samples     []nuSample
		sampleDatas []nuSampleData
	)
	for table, dst := range map[string]any{
		"scene":       &scenes,
		"sample":      &samples,
		"sample_data": &sampleDatas,
	} {
		if err := readNuScenesTable(tableDir, table, dst); err != nil {
			return nil, err
		}
	}

	scenesByToken := make(map[string]nuScene, len(scenes))
	for _, sc := range scenes {
		scenesByToken[sc.Token] = sc
	}
	samplesByToken := make(map[string]nuSample, len(samples))
	for _, sm := range samples {
		samplesByToken[sm.Token] = sm
	}

	var (
		out   []model.FrameMetadata
		stats nuScenesSkipStats
	)
	for _, sd := range sampleDatas {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !sd.IsKeyFrame {
			stats.NonKeyFrames++
			continue
		}
		if sd.Filename == "" {
			stats.NoFilename++
			continue
		}
		channel := channelFromFilename(sd.Filename)
		sample, ok := samplesByToken[sd.SampleToken]
		if !ok {
			stats.UnknownSamples++
			continue
		}
		scene := scenesByToken[sample.SceneToken]

		meta := model.FrameMetadata{
			Timestamp: time.UnixMicro(sample.Timestamp).UTC(),
			Weather:   weatherFromDescription(scene.Description),
		}

		switch {
		case strings.HasPrefix(channel, "CAM_"):
			angle, ok := cameraChannelAngles[channel]
			if !ok {
				stats.UnknownChannels++
				continue
			}
			imgPath := filepath.Join(dataRoot, filepath.FromSlash(sd.Filename))
			if !fileExists(imgPath) {
				stats.MissingFiles++
				continue
			}
			meta.FramePath = imgPath
			meta.SensorAngle = angle
			meta.SensorKind = model.SensorKindCamera

		case strings.HasPrefix(channel, "LIDAR_"):
			angle, ok := lidarChannelAngles[channel]
			if !ok {
				stats.UnknownChannels++
				continue
			}
			pcPath := filepath.Join(dataRoot, filepath.FromSlash(sd.Filename))
			if !fileExists(pcPath) {
				stats.MissingFiles++
				continue
			}
			rendered, err := l.renderLidar(ctx, datasetPath, pcPath)
			if err != nil {
				stats.RenderFailures++
				l.logger.Warn("lidar render failed",
					slog.String("file", sd.Filename), slog.Any("error", err))
				continue
			}
			meta.FramePath = rendered
			meta.OriginalPath = pcPath
			meta.SensorAngle = angle
			meta.SensorKind = model.SensorKindLidar

		case strings.HasPrefix(channel, "RADAR_"):
			angle, ok := radarChannelAngles[channel]
			if !ok {
				stats.UnknownChannels++
				continue
			}
			// Radar has no visualization; the record is indexed as metadata
			// only, pointing at the raw sensor file.
			radarPath := filepath.Join(dataRoot, filepath.FromSlash(sd.Filename))
			if !fileExists(radarPath) {
				stats.MissingFiles++
				continue
			}
			meta.FramePath = radarPath
			meta.OriginalPath = radarPath
			meta.SensorAngle = angle
			meta.SensorKind = model.SensorKindRadar

		default:
			stats.UnknownChannels++
			continue
		}

		out = append(out, meta)
	}

	l.logger.Info("nuscenes metadata loaded",
		slog.String("dataset", datasetPath),
		slog.Int("frames", len(out)),
		slog.Int("non_keyframes_skipped", stats.NonKeyFrames),
		slog.Int("no_filename_skipped", stats.NoFilename),
		slog.Int("unknown_samples_skipped", stats.UnknownSamples),
		slog.Int("unknown_channels_skipped", stats.UnknownChannels),
		slog.Int("missing_files_skipped", stats.MissingFiles),
		slog.Int("render_failures", stats.RenderFailures))
	return out, nil
}

// renderLidar renders a point-cloud file to a cached birds-eye-view image,
// reusing an existing render when present.
func (l *NuScenesLoader) renderLidar(ctx context.Context, datasetPath, pcPath string) (string, error) {
	if l.renderer == nil {
		return "", fmt.Errorf("no point-cloud renderer configured")
	}
	cacheDir := filepath.Join(datasetPath, ".prism_cache", "lidar_viz")
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return "", err
	}
	stem := strings.TrimSuffix(filepath.Base(pcPath), filepath.Ext(pcPath))
	outPath := filepath.Join(cacheDir, stem+"_bev.jpg")
	if fileExists(outPath) {
		return outPath, nil
	}
	if err := l.renderer.Render(ctx, pcPath, outPath, "bev"); err != nil {
		return "", err
	}
	return outPath, nil
}

// resolveNuScenesDirs locates the data root (filenames in sample_data are
// relative to it) and the version directory holding the JSON tables.
func resolveNuScenesDirs(datasetPath string) (dataRoot, tableDir string, err error) {
	candidates := []string{
		filepath.Join(datasetPath, "data", "sets", "nuscenes"),
		datasetPath,
	}
	for _, root := range candidates {
		for _, version := range nuScenesVersions {
			dir := filepath.Join(root, version)
			if dirExists(dir) {
				return root, dir, nil
			}
		}
	}
	return "", "", fmt.Errorf("%w: no nuScenes version directory under %q", ErrConfigValidation, datasetPath)
}

// readNuScenesTable decodes <table>.json or <table>.json.gz from the
// version directory.
func readNuScenesTable(tableDir, table string, dst any) error {
	plain := filepath.Join(tableDir, table+".json")
	gzipped := plain + ".gz"

	var r io.Reader
	switch {
	case fileExists(plain):
		f, err := os.Open(plain)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	case fileExists(gzipped):
		f, err := os.Open(gzipped)
		if err != nil {
			return err
		}
		defer f.Close()
		gz, err := gzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("open %q: %w", gzipped, err)
		}
		defer gz.Close()
		r = gz
	default:
		return fmt.Errorf("%w: table %q not found in %q", ErrConfigValidation, table, tableDir)
	}

	if err := json.NewDecoder(r).Decode(dst); err != nil {
		return fmt.Errorf("%w: decode table %q: %w", ErrConfigValidation, table, err)
	}
	return nil
}

// channelFromFilename extracts the sensor channel from a sample_data
// filename like "samples/CAM_FRONT/xxx.jpg".
func channelFromFilename(filename string) string {
	parts := strings.Split(filepath.ToSlash(filename), "/")
	if len(parts) >= 2 {
		return parts[len(parts)-2]
	}
	return ""
}

// weatherFromDescription infers a coarse weather label from a scene
// description.
func weatherFromDescription(desc string) string {
	d := strings.ToLower(desc)
	switch {
	case strings.Contains(d, "rain"):
		return "rain"
	case strings.Contains(d, "snow"):
		return "snow"
	case strings.Contains(d, "fog"):
		return "fog"
	case strings.Contains(d, "night"):
		return "night"
	case d == "":
		return ""
	default:
		return "clear"
	}
}
