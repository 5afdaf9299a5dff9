// Package reels maps provider dataset items to canonical posts and decides which
// posts are ingested and which are transcribed.
package reels

// Field is a logical attribute of a canonical post.
type Field string

const (
	FieldURL         Field = "url"
	FieldAuthor      Field = "author"
	FieldDescription Field = "description"
	FieldViews       Field = "views"
	FieldLikes       Field = "likes"
	FieldComments    Field = "comments"
	FieldPublishedAt Field = "published_at"
	FieldThumbnail   Field = "thumbnail"
	FieldVideoURL    Field = "video_url"
	FieldProfileURL  Field = "profile_url"
	FieldAudioTitle  Field = "audio_title"
	FieldAudioArtist Field = "audio_artist"
)

// Aliases lists provider keys per field in lookup order. The first present, non-null
// value wins. Dotted keys descend into nested objects. Supporting a new actor version
// means appending keys here.
var Aliases = map[Field][]string{
	FieldURL:         {"url", "postUrl", "reelUrl", "webVideoUrl"},
	FieldAuthor:      {"ownerUsername", "username", "owner.username", "authorMeta.name"},
	FieldDescription: {"caption", "text", "description"},
	FieldViews:       {"videoPlayCount", "videoViewCount", "viewCount", "playCount"},
	FieldLikes:       {"likesCount", "likeCount", "diggCount"},
	FieldComments:    {"commentsCount", "commentCount"},
	FieldPublishedAt: {"timestamp", "takenAt", "taken_at_timestamp", "createTimeISO", "createTime"},
	FieldThumbnail:   {"displayUrl", "thumbnailUrl", "thumbnail_src", "imageUrl"},
	FieldVideoURL:    {"videoUrl", "videoDownloadUrl", "video_url"},
	FieldProfileURL:  {"inputUrl", "ownerProfileUrl"},
	FieldAudioTitle:  {"musicInfo.song_name", "musicInfo.songName", "musicMeta.musicName"},
	FieldAudioArtist: {"musicInfo.artist_name", "musicInfo.artistName", "musicMeta.musicAuthor"},
}

// videoHint marks an item as a video when key holds want.
type videoHint struct {
	key  string
	want any
}

// VideoHints decide whether an item is a reel. Items carrying none of these keys
// are assumed to be videos (reel-only actors omit them).
var VideoHints = []videoHint{
	{"type", "Video"},
	{"productType", "clips"},
	{"isVideo", true},
}
