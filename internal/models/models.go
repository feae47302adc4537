package models

// Photo is the public view of a stored original. The storage-internal path never appears here.
type Photo struct {
	ID          string      `json:"id"`
	URL         string      `json:"url"`
	ContentType string      `json:"contentType"`
	OwnerRef    string      `json:"ownerRef"`
	Dimensions  *Dimensions `json:"dimensions,omitempty"`
}

// Thumb is the public view of a derived asset.
type Thumb struct {
	ID          string `json:"id"`
	URL         string `json:"url"`
	OriginalRef string `json:"originalRef"`
}

type Dimensions struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type Links struct {
	Photo    string `json:"photo"`
	Business string `json:"business"`
}

// UploadData is the JSON carried in the "data" field of POST /photos.
type UploadData struct {
	OwnerRef string `json:"ownerRef" binding:"required"`
	Caption  string `json:"caption"`
}
