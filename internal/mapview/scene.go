// Package mapview turns device state into a map scene: markers, popups and
// the history line. It does no fetching.
package mapview

import (
	"sync"
	"time"

	"github.com/ferux/trackercenter/internal/model"
)

const (
	// DefaultZoom of a device map.
	DefaultZoom = 13

	TileURL         = "https://{s}.tile.openstreetmap.org/{z}/{x}/{y}.png"
	TileAttribution = `&copy; <a href="https://www.openstreetmap.org/copyright">OpenStreetMap</a> contributors`

	dateLayout = "2006-01-02 15:04:05"
)

// FallbackCenter is used for devices that never reported position.
var FallbackCenter = model.Location{Lat: 20.5937, Lng: 78.9629}

// DateFormatter renders a timestamp for popups.
type DateFormatter func(t time.Time) string

// DefaultDateFormat prints local time, empty for zero time.
func DefaultDateFormat(t time.Time) string {
	if t.IsZero() {
		return ""
	}

	return t.Local().Format(dateLayout)
}

// Icons are marker image assets.
type Icons struct {
	IconURL       string `json:"icon_url"`
	IconRetinaURL string `json:"icon_retina_url"`
	ShadowURL     string `json:"shadow_url"`
}

var (
	iconsOnce sync.Once
	icons     Icons
)

// DefaultIcons is computed on first use and stays the same afterwards.
func DefaultIcons() Icons {
	iconsOnce.Do(func() {
		const base = "https://unpkg.com/leaflet@1.7.1/dist/images/"
		icons = Icons{
			IconURL:       base + "marker-icon.png",
			IconRetinaURL: base + "marker-icon-2x.png",
			ShadowURL:     base + "marker-shadow.png",
		}
	})

	return icons
}

type Popup struct {
	Title string `json:"title"`
	Text  string `json:"text"`
}

type Marker struct {
	Position [2]float64 `json:"position"`
	Popup    Popup      `json:"popup"`
}

type Tiles struct {
	URL         string `json:"url"`
	Attribution string `json:"attribution"`
}

// Scene is everything a map widget needs to draw.
type Scene struct {
	Center   [2]float64   `json:"center"`
	Zoom     int          `json:"zoom"`
	Tiles    Tiles        `json:"tiles"`
	Icons    Icons        `json:"icons"`
	Markers  []Marker     `json:"markers"`
	Polyline [][2]float64 `json:"polyline,omitempty"`
}

// Input of Render.
type Input struct {
	Device      model.Device
	History     []model.HistoryEntry
	ShowHistory bool
	Center      model.Location
	FormatDate  DateFormatter
}

// Center picks the device position or FallbackCenter.
func Center(d *model.Device) model.Location {
	if d == nil || !d.HasLocation() {
		return FallbackCenter
	}

	return *d.Location
}

func point(l model.Location) [2]float64 {
	return [2]float64{l.Lat.Float64(), l.Lng.Float64()}
}

// Render builds the scene. With history off there is only current position
// (no markers if device has none); with history on there is a marker per
// entry and a line through them in order.
func Render(in Input) Scene {
	format := in.FormatDate
	if format == nil {
		format = DefaultDateFormat
	}

	s := Scene{
		Center:  point(in.Center),
		Zoom:    DefaultZoom,
		Tiles:   Tiles{URL: TileURL, Attribution: TileAttribution},
		Icons:   DefaultIcons(),
		Markers: []Marker{},
	}

	if !in.ShowHistory {
		if in.Device.HasLocation() {
			s.Markers = append(s.Markers, Marker{
				Position: point(*in.Device.Location),
				Popup: Popup{
					Title: in.Device.Name,
					Text:  "Last updated: " + format(in.Device.LastUpdated.Time),
				},
			})
		}

		return s
	}

	s.Polyline = make([][2]float64, 0, len(in.History))
	for _, entry := range in.History {
		p := point(entry.Location)
		s.Markers = append(s.Markers, Marker{
			Position: p,
			Popup: Popup{
				Title: in.Device.Name,
				Text:  "Time: " + format(entry.Timestamp.Time),
			},
		})
		s.Polyline = append(s.Polyline, p)
	}

	return s
}
