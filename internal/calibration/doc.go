// Package calibration finds where the browser overlay is drawn inside a
// screenshot of the virtual machine.
//
// Two strategies are available. FindRectangle looks for a solid rectangle
// of a known color and size, drawn by the overlay at its own origin.
// FindViewport decodes one of the QR markers tiled by the overlay. Each
// marker carries the position it was laid out at, so comparing it with
// the position the marker was found at gives the offset.
//
// The algorithms are CPU bound and run in worker processes, see Run and the
// pool package.
package calibration
