package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGalleryStatus_String(t *testing.T) {
	tests := []struct {
		status GalleryStatus
		want   string
	}{
		{GalleryStatusUnset, "unset"},
		{GalleryStatusNormal, "normal"},
		{GalleryStatusDenied, "denied"},
		{GalleryStatusDeleted, "deleted"},
		{GalleryStatusNoMetadata, "no_metadata"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.status.String())
	}
}

func TestGalleryStatus_IsValid(t *testing.T) {
	tests := []struct {
		status GalleryStatus
		want   bool
	}{
		{GalleryStatusNormal, true},
		{GalleryStatusDenied, true},
		{GalleryStatusDeleted, true},
		{GalleryStatusNoMetadata, true},
		{GalleryStatusUnset, false},
		{GalleryStatus("arbitrary"), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.status.IsValid(), "GalleryStatus(%q).IsValid()", string(tt.status))
	}
}

func TestGalleryOrigin(t *testing.T) {
	assert.Equal(t, "unset", GalleryOrigin("").String())
	assert.True(t, GalleryOriginSubmitted.IsValid())
	assert.False(t, GalleryOrigin("remote").IsValid())
}

func TestMentionType_IsValid(t *testing.T) {
	assert.True(t, MentionTypeReleaseDate.IsValid())
	assert.True(t, MentionTypeOutTomorrow.IsValid())
	assert.False(t, MentionType("").IsValid())
	assert.Equal(t, "unset", MentionType("").String())
}

func TestAttributeKind_IsValid(t *testing.T) {
	for _, k := range []AttributeKind{AttributeKindString, AttributeKindInt, AttributeKindBool, AttributeKindDate, AttributeKindFloat} {
		assert.True(t, k.IsValid(), string(k))
	}
	assert.False(t, AttributeKind("json").IsValid())
}

func TestHashMatchTypes(t *testing.T) {
	assert.Equal(t, "hash_thumbnail_phash", HashThumbnailMatchType("phash"))
	assert.Equal(t, "hash_image_3_sha1", HashImageMatchType(3, "sha1"))
}
