package models

import "strconv"

// GalleryStatus is the soft-delete state of a gallery
type GalleryStatus string

const (
	GalleryStatusUnset      GalleryStatus = ""            // Zero value = unset/unknown
	GalleryStatusNormal     GalleryStatus = "normal"      // Eligible for matching
	GalleryStatusDenied     GalleryStatus = "denied"      // Rejected by a user
	GalleryStatusDeleted    GalleryStatus = "deleted"     // Soft deleted
	GalleryStatusNoMetadata GalleryStatus = "no_metadata" // Placeholder without provider data
)

// String implements fmt.Stringer for logging
func (s GalleryStatus) String() string {
	if s == "" {
		return "unset"
	}
	return string(s)
}

// IsValid returns true if the status is a known value
func (s GalleryStatus) IsValid() bool {
	switch s {
	case GalleryStatusNormal, GalleryStatusDenied, GalleryStatusDeleted, GalleryStatusNoMetadata:
		return true
	}
	return false
}

// GalleryOrigin records how a gallery entered the catalog
type GalleryOrigin string

const (
	GalleryOriginNormal    GalleryOrigin = "normal"
	GalleryOriginSubmitted GalleryOrigin = "submitted"
)

func (o GalleryOrigin) String() string {
	if o == "" {
		return "unset"
	}
	return string(o)
}

// IsValid returns true if the origin is a known value
func (o GalleryOrigin) IsValid() bool {
	return o == GalleryOriginNormal || o == GalleryOriginSubmitted
}

// WantedState is the lifecycle position of a wanted gallery
type WantedState string

const (
	WantedStateIdle               WantedState = "idle"
	WantedStateSearching          WantedState = "searching"
	WantedStateFoundKeepSearching WantedState = "found-keep-searching"
	WantedStateFoundDone          WantedState = "found-done"
)

func (s WantedState) String() string { return string(s) }

// MentionType classifies what a mention says about the release
type MentionType string

const (
	MentionTypeReleaseDate    MentionType = "release_date"
	MentionTypeNewPublication MentionType = "new_publication"
	MentionTypeOutToday       MentionType = "out_today"
	MentionTypeOutTomorrow    MentionType = "out_tomorrow"
)

func (t MentionType) String() string {
	if t == "" {
		return "unset"
	}
	return string(t)
}

// IsValid returns true if the mention type is a known value
func (t MentionType) IsValid() bool {
	switch t {
	case MentionTypeReleaseDate, MentionTypeNewPublication, MentionTypeOutToday, MentionTypeOutTomorrow:
		return true
	}
	return false
}

// AttributeKind says how an Attribute's text value is interpreted
type AttributeKind string

const (
	AttributeKindString AttributeKind = "str"
	AttributeKindInt    AttributeKind = "int"
	AttributeKindBool   AttributeKind = "bool"
	AttributeKindDate   AttributeKind = "date"
	AttributeKindFloat  AttributeKind = "float"
)

func (k AttributeKind) IsValid() bool {
	switch k {
	case AttributeKindString, AttributeKindInt, AttributeKindBool, AttributeKindDate, AttributeKindFloat:
		return true
	}
	return false
}

// Archive match types. Hash based types are built with HashThumbnailMatchType and
// HashImageMatchType.
const (
	MatchTypeNonMatch = "non-match"
	MatchTypeTitle    = "title"
	MatchTypeSize     = "size"
	MatchTypeManual   = "manual:user"
)

// HashThumbnailMatchType names a match found by comparing thumbnail hashes.
func HashThumbnailMatchType(algorithm string) string {
	return "hash_thumbnail_" + algorithm
}

// HashImageMatchType names a match found by an image at position equal to the gallery hash.
func HashImageMatchType(position int, algorithm string) string {
	return "hash_image_" + strconv.Itoa(position) + "_" + algorithm
}

// Entity kinds keyed in the hash cache.
const (
	EntityArchive = "archive"
	EntityGallery = "gallery"
	EntityImage   = "image"
)

// NullHash is stored for images that could not be decoded.
const NullHash = "null"
