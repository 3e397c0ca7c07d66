// Package model defines stable boundary types for API layers.
//
// Prices cross this boundary as decimal strings in whole units; everything
// behind it works in smallest units. These structs are the only types intended
// for direct JSON serialization by consumers.
package model
