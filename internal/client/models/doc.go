// Package models defines the local metadata index: file entries, folder to
// container mappings and the MetadataStore aggregate that the cache persists
// as metadata.json.
package models
