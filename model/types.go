package model

import (
	"encoding/json"
	"fmt"
	"image"
	"time"
)

// SourceType classifies where a frame's bytes came from.
type SourceType string

const (
	SourceTypeLocal SourceType = "local"
	SourceTypeCloud SourceType = "cloud-object"
	SourceTypeVideo SourceType = "video"
	SourceTypeOther SourceType = "other"
)

// SensorKind identifies the sensor that captured a frame.
type SensorKind string

const (
	SensorKindCamera SensorKind = "camera"
	SensorKindLidar  SensorKind = "lidar"
	SensorKindRadar  SensorKind = "radar"
)

// EmbeddingKind distinguishes whole-frame vectors from object-crop vectors.
type EmbeddingKind string

const (
	EmbeddingKindFullImage  EmbeddingKind = "full_image"
	EmbeddingKindObjectCrop EmbeddingKind = "object_crop"
)

// BBox is an axis-aligned bounding box in pixel coordinates (x1,y1)-(x2,y2).
type BBox struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

// Width returns the box width in pixels.
func (b BBox) Width() int { return b.X2 - b.X1 }

// Height returns the box height in pixels.
func (b BBox) Height() int { return b.Y2 - b.Y1 }

// Clip constrains the box to the image bounds [0,w)x[0,h).
func (b BBox) Clip(w, h int) BBox {
	if b.X1 < 0 {
		b.X1 = 0
	}
	if b.Y1 < 0 {
		b.Y1 = 0
	}
	if b.X2 > w {
		b.X2 = w
	}
	if b.Y2 > h {
		b.Y2 = h
	}
	return b
}

// MarshalText encodes the box as the JSON array [x1,y1,x2,y2], the format
// stored in the embeddings table.
func (b BBox) MarshalText() ([]byte, error) {
	return json.Marshal([4]int{b.X1, b.Y1, b.X2, b.Y2})
}

// UnmarshalText decodes a [x1,y1,x2,y2] JSON array.
func (b *BBox) UnmarshalText(data []byte) error {
	var v [4]int
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("invalid bbox %q: %w", data, err)
	}
	b.X1, b.Y1, b.X2, b.Y2 = v[0], v[1], v[2], v[3]
	return nil
}

func (b BBox) String() string {
	return fmt.Sprintf("[%d,%d,%d,%d]", b.X1, b.Y1, b.X2, b.Y2)
}

// Frame is one indexed sensor sample. The zero values of the optional
// pointer fields mean "not provided by any dataset loader".
type Frame struct {
	ID          uint       `gorm:"primaryKey"`
	Path        string     `gorm:"uniqueIndex;not null"`
	ContentHash *string    `gorm:"index"`
	SourceType  SourceType `gorm:"index;default:local"`
	Width       int
	Height      int
	IndexedAt   time.Time

	// Dataset-provided metadata, absent unless a loader supplied it.
	Timestamp    *time.Time
	GPSLat       *float64
	GPSLon       *float64
	Weather      *string
	SensorAngle  *string
	SensorKind   *SensorKind
	OriginalPath *string
	// DetectedClasses is a JSON array of every class the detector reported
	// on this frame, independent of whether the class earned a crop
	// embedding.
	DetectedClasses *string

	Embeddings []Embedding `gorm:"constraint:OnDelete:CASCADE"`
}

// Embedding is one vector owned by a frame. Vector holds the raw
// little-endian float32 bytes, L2-normalized at write time.
type Embedding struct {
	ID          uint          `gorm:"primaryKey"`
	FrameID     uint          `gorm:"index;not null"`
	Kind        EmbeddingKind `gorm:"index"`
	ObjectClass *string       `gorm:"index"`
	BBox        *string
	Vector      []byte `gorm:"type:blob"`
}

// FrameMetadata is the canonical, loader-agnostic record produced by dataset
// loaders before a frame exists in storage.
type FrameMetadata struct {
	FramePath    string
	Timestamp    time.Time
	GPSLat       *float64
	GPSLon       *float64
	Weather      string
	SensorAngle  string
	SensorKind   SensorKind
	OriginalPath string
}

// IngestionInput is a single discovered input: a plain path/URI, or a
// (virtual path, decoded image) pair for content with no backing file.
type IngestionInput struct {
	Path  string
	Image image.Image
}

// InMemory reports whether the input carries already-decoded pixels.
func (i IngestionInput) InMemory() bool { return i.Image != nil }

// Detection is one detector hit on an image, in input pixel coordinates.
type Detection struct {
	ClassID   int
	ClassName string
	BBox      BBox
}

// ExtractedFrame is one frame produced by a video extraction adapter.
type ExtractedFrame struct {
	Image       image.Image
	Timestamp   float64 // seconds from the start of the video
	VirtualPath string  // e.g. "clip.mp4#t=12.50"
}
