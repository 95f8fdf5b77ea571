package dto

// TileRef is one requested tile coordinate in a batch body.
type TileRef struct {
	Z int `json:"z" validate:"min=0"`
	X int `json:"x" validate:"min=0"`
	Y int `json:"y" validate:"min=0"`
}

// BatchTilesRequest asks for several tiles of one dataset in a single call.
type BatchTilesRequest struct {
	Tiles []TileRef `json:"tiles" validate:"required,min=1,max=64,dive"`
}

// BatchTileResult carries one tile of a batch response; Data is base64 via
// encoding/json, nil means no content for that coordinate.
type BatchTileResult struct {
	Z    int    `json:"z"`
	X    int    `json:"x"`
	Y    int    `json:"y"`
	Data []byte `json:"data,omitempty"`
}
