//go:build ignore

package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

// Manual cache warm-up tool: requests every tile covering a bounding box at a
// zoom through the batch endpoint, so the Redis cache is populated before
// traffic arrives.
//
//	go run scripts/warm_tiles.go -dataset parking_tickets -zoom 10

type tileRef struct {
	Z int `json:"z"`
	X int `json:"x"`
	Y int `json:"y"`
}

type batchRequest struct {
	Tiles []tileRef `json:"tiles"`
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "API base URL")
	dataset := flag.String("dataset", "parking_tickets", "dataset to warm")
	zoom := flag.Int("zoom", 10, "zoom level to warm")
	batchSize := flag.Int("batch", 64, "tiles per batch request")
	// Toronto extent
	minLon := flag.Float64("min-lon", -79.64, "bounding box west edge")
	minLat := flag.Float64("min-lat", 43.58, "bounding box south edge")
	maxLon := flag.Float64("max-lon", -79.11, "bounding box east edge")
	maxLat := flag.Float64("max-lat", 43.86, "bounding box north edge")
	flag.Parse()

	min := maptile.At(orb.Point{*minLon, *maxLat}, maptile.Zoom(*zoom))
	max := maptile.At(orb.Point{*maxLon, *minLat}, maptile.Zoom(*zoom))

	var tiles []tileRef
	for x := min.X; x <= max.X; x++ {
		for y := min.Y; y <= max.Y; y++ {
			tiles = append(tiles, tileRef{Z: *zoom, X: int(x), Y: int(y)})
		}
	}
	log.Printf("Warming %d tiles for %s at zoom %d", len(tiles), *dataset, *zoom)

	client := &http.Client{Timeout: 60 * time.Second}
	endpoint := fmt.Sprintf("%s/api/v1/tiles/%s/batch", *baseURL, *dataset)

	for start := 0; start < len(tiles); start += *batchSize {
		end := start + *batchSize
		if end > len(tiles) {
			end = len(tiles)
		}

		body, err := json.Marshal(batchRequest{Tiles: tiles[start:end]})
		if err != nil {
			log.Fatalf("Failed to marshal batch: %v", err)
		}

		resp, err := client.Post(endpoint, "application/json", bytes.NewReader(body))
		if err != nil {
			log.Fatalf("Batch request failed: %v", err)
		}
		resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			log.Fatalf("Batch request returned %d", resp.StatusCode)
		}
		log.Printf("Warmed tiles %d-%d of %d", start+1, end, len(tiles))
	}
}
