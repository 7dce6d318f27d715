package web

import (
	"embed"
	"io/fs"
)

// staticFiles holds the control page served to plain HTTP requests.
// The final binary includes all files under static/.
//
//go:embed static/*
var staticFiles embed.FS

// pageFS returns the static files rooted at static/.
func pageFS() fs.FS {
	sub, err := fs.Sub(staticFiles, "static")
	if err != nil {
		panic("web: static fs: " + err.Error())
	}
	return sub
}
