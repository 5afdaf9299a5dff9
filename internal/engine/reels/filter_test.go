package reels

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anatolykoptev/go_reels/internal/engine"
)

var fixedNow = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

type urlSet map[string]bool

func (s urlSet) Has(u string) bool { return s[u] }

func TestShouldIngestScenario(t *testing.T) {
	raw := decodeRaw(t, `{"url":"https://ig/reel/A","videoPlayCount":60000,"timestamp":"2025-01-01T00:00:00Z"}`)
	p := Normalize(raw, testSource)
	require.NotNil(t, p)

	f := IngestFilter{MinViews: 50000, MaxAgeDays: 365}
	d := ShouldIngest(p, nil, f, fixedNow)
	assert.True(t, d.Ingest)
	assert.Equal(t, int64(60000), p.Views)

	low := decodeRaw(t, `{"url":"https://ig/reel/A","videoPlayCount":10000,"timestamp":"2025-01-01T00:00:00Z"}`)
	d = ShouldIngest(Normalize(low, testSource), nil, f, fixedNow)
	assert.False(t, d.Ingest)
	assert.Equal(t, ReasonLowViews, d.Reason)
}

func TestShouldIngestKnownURL(t *testing.T) {
	p := &engine.Post{URL: "https://ig/reel/A", Views: 1_000_000}
	d := ShouldIngest(p, urlSet{"https://ig/reel/A": true}, IngestFilter{}, fixedNow)
	assert.False(t, d.Ingest)
	assert.Equal(t, ReasonDuplicate, d.Reason)
}

func TestIngestFilterProperty(t *testing.T) {
	f := IngestFilter{MinViews: 1000, MaxAgeDays: 30}
	ages := []int{-1, 0, 1, 29, 30, 31, 400} // -1 = no timestamp
	views := []int64{0, 999, 1000, 1001, 50000}

	for _, age := range ages {
		for _, v := range views {
			p := &engine.Post{URL: "u", Views: v}
			if age >= 0 {
				ts := fixedNow.AddDate(0, 0, -age)
				p.PublishedAt = &ts
			}
			want := v >= f.MinViews && (age < 0 || age <= f.MaxAgeDays)
			got, _ := f.Allow(p, fixedNow)
			assert.Equal(t, want, got, "age=%d views=%d", age, v)
		}
	}
}

func TestIngestFilterNoRecencyLimit(t *testing.T) {
	old := time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)
	ok, _ := IngestFilter{MinViews: 1}.Allow(&engine.Post{Views: 1, PublishedAt: &old}, fixedNow)
	assert.True(t, ok)
}

func TestTranscribeEligible(t *testing.T) {
	f := TranscribeFilter{MinViews: 100, MaxAgeDays: 30}
	recent := fixedNow.AddDate(0, 0, -2)
	base := engine.Post{URL: "u", Views: 500, VideoURL: "https://cdn/v.mp4", PublishedAt: &recent}

	assert.True(t, f.Eligible(&base, fixedNow))

	noVideo := base
	noVideo.VideoURL = ""
	assert.False(t, f.Eligible(&noVideo, fixedNow))

	done := base
	done.Transcript = "Это настоящая расшифровка ролика про маркетинг."
	assert.False(t, f.Eligible(&done, fixedNow))

	placeholder := base
	placeholder.Transcript = "Субтитры делал DimaTorzok"
	assert.True(t, f.Eligible(&placeholder, fixedNow), "placeholder transcripts are redone")

	for _, text := range []string{
		"[Автоматически сгенерированная транскрипция для рилс про маркетинг]",
		"Субтитры подготовил Алексей",
		"ПОДПИШИСЬ НА КАНАЛ, СТАВЬ ЛАЙК",
	} {
		stub := base
		stub.Transcript = text
		assert.True(t, f.Eligible(&stub, fixedNow), text)
	}

	low := base
	low.Views = 99
	assert.False(t, f.Eligible(&low, fixedNow))
}

func TestSelectForTranscriptionOrdering(t *testing.T) {
	mk := func(url string, views int64) engine.Post {
		return engine.Post{URL: url, Views: views, VideoURL: "v"}
	}
	posts := []engine.Post{
		mk("a", 300), mk("b", 900), mk("c", 500), mk("d", 900), mk("e", 100), mk("f", 500),
	}

	got := SelectForTranscription(posts, TranscribeFilter{Limit: 4}, fixedNow)
	urls := make([]string, len(got))
	for i, p := range got {
		urls[i] = p.URL
	}
	// ties keep input order
	assert.Equal(t, []string{"b", "d", "c", "f"}, urls)

	all := SelectForTranscription(posts, TranscribeFilter{}, fixedNow)
	assert.Len(t, all, len(posts))
	assert.Equal(t, "e", all[len(all)-1].URL)
}

func TestSelectForTranscriptionSkipsIneligible(t *testing.T) {
	posts := []engine.Post{
		{URL: "a", Views: 1000},
		{URL: "b", Views: 10, VideoURL: "v"},
		{URL: "c", Views: 2000, VideoURL: "v"},
	}
	got := SelectForTranscription(posts, TranscribeFilter{MinViews: 100, Limit: 5}, fixedNow)
	require.Len(t, got, 1)
	assert.Equal(t, "c", got[0].URL)
}

func TestIsRealTranscript(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{"", false},
		{"   ", false},
		{"короткий", false},
		{"Субтитры делал DimaTorzok", false},
		{"Спасибо за субтитры!", false},
		{"Субтитры добавил корректор А.Егорова", false},
		{"Субтитры подготовил Алексей", false},
		{"ПОДПИШИСЬ НА КАНАЛ, СТАВЬ ЛАЙК", false},
		{"С вами был Игорь Негода, до встречи", false},
		{"Один, два, три, четыре, пять", false},
		{"Фристайлер на связи, поехали", false},
		{"[Автоматически сгенерированная транскрипция для видео 123]", false},
		{"  [Автоматически сгенерированная транскрипция]", false},
		{"Сегодня расскажу, как набрать первую тысячу подписчиков.", true},
		{"This is a genuine transcript of the clip.", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsRealTranscript(tt.text), tt.text)
	}
}
