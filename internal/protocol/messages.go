package protocol

// PlaceRequest is the JSON body of a pixel placement.
type PlaceRequest struct {
	X           int     `json:"x"`
	Y           int     `json:"y"`
	Color       int     `json:"color"`
	Fingerprint string  `json:"fingerprint"`
	Token       *string `json:"token"`
	A           int     `json:"a"`
}

func NewPlaceRequest(x, y, color int, fingerprint string) PlaceRequest {
	return PlaceRequest{
		X:           x,
		Y:           y,
		Color:       color,
		Fingerprint: fingerprint,
		A:           x + y - 8,
	}
}

type PlaceResponse struct {
	Success         bool    `json:"success"`
	WaitSeconds     float64 `json:"waitSeconds"`
	CoolDownSeconds float64 `json:"coolDownSeconds,omitempty"`
}

// ExclusionFeed is the document served by an exclusion zone endpoint.
type ExclusionFeed struct {
	Exclusions []ExclusionZone `json:"exclusions"`
}

type ExclusionZone struct {
	X1 int `json:"x1" yaml:"x1"`
	Y1 int `json:"y1" yaml:"y1"`
	X2 int `json:"x2" yaml:"x2"`
	Y2 int `json:"y2" yaml:"y2"`
}
