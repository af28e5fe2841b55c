package models

import (
	"image"
	"time"
)

// Snapshot is one captured frame waiting for analysis
type Snapshot struct {
	ID    string
	Taken time.Time
	Image image.Image
}

// Detection is what the perception service reports for one frame.
type Detection struct {
	Board      image.Image
	Layout     Layout
	Confidence ConfidenceGrid
	Elapsed    time.Duration
}
