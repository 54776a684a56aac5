// Package dataset generates synthetic evidence archives for development and
// manual testing: record files in both schemas, a nested container,
// malformed rows and media with a controllable share missing.
package dataset

import (
	"archive/zip"
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"maps"
	"math/rand/v2"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wesm/casevault/internal/records"
)

var validDatasetName = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidateDatasetName checks that name contains only safe characters
// [a-zA-Z0-9_-]. Names become archive file names.
func ValidateDatasetName(name string) error {
	if name == "" {
		return fmt.Errorf("dataset name must not be empty")
	}
	if !validDatasetName.MatchString(name) {
		return fmt.Errorf("dataset name %q contains invalid characters; only letters, digits, hyphens, and underscores are allowed", name)
	}
	return nil
}

// Options shapes a generated archive.
type Options struct {
	Conversations   int
	MessagesPerConv int
	// MediaEvery makes every n-th message a MEDIA message (0 = none).
	MediaEvery int
	// MissingMediaEvery leaves every n-th media file out of the archive.
	MissingMediaEvery int
	// Malformed rows are appended to the first record file.
	Malformed int
	// PartialRows go to a reported-content record file.
	PartialRows int
	// Nested puts the second half of the conversations in a zip inside the
	// archive.
	Nested bool
	Seed   uint64
	Start  time.Time
}

// DefaultOptions returns a small archive that exercises every load path.
func DefaultOptions() Options {
	return Options{
		Conversations:     6,
		MessagesPerConv:   40,
		MediaEvery:        7,
		MissingMediaEvery: 4,
		Malformed:         2,
		PartialRows:       5,
		Nested:            true,
		Seed:              1,
		Start:             time.Date(2023, 3, 1, 8, 0, 0, 0, time.UTC),
	}
}

// Result describes a generated archive.
type Result struct {
	RecordFiles   []string
	Messages      int // well-formed rows, partial rows included
	Malformed     int
	MediaRefs     int
	MediaPresent  int
	Conversations int
	Bytes         int64
}

var header = []string{
	records.ColConversationID, records.ColConversationTitle, records.ColMessageID,
	records.ColContentType, records.ColTimestamp, records.ColSenderUsername,
	records.ColRecipientUsername, records.ColText, records.ColMediaID,
	records.ColReactions, records.ColSavedBy,
}

var (
	users = []string{"alice", "bob", "carol", "dmitri", "eun-ji", "farah", "小林"}
	words = []string{
		"meet", "tonight", "dock", "package", "ok", "call", "me", "later", "where",
		"are", "you", "🙂", "the", "car", "money", "sent", "delete", "this", "photo",
	}
	reactions = []string{"heart", "laugh", "fire", "thumbs_up"}
)

type generator struct {
	opts  Options
	rng   *rand.Rand
	media map[string][]byte
	res   Result
}

// Generate writes a zip archive to w.
func Generate(w io.Writer, opts Options) (*Result, error) {
	if opts.Conversations <= 0 || opts.MessagesPerConv <= 0 {
		return nil, fmt.Errorf("conversations and messages per conversation must be positive")
	}
	if opts.Start.IsZero() {
		opts.Start = DefaultOptions().Start
	}
	g := &generator{
		opts:  opts,
		rng:   rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15)),
		media: make(map[string][]byte),
	}

	cw := &countingWriter{w: w}
	zw := zip.NewWriter(cw)

	outer, inner := opts.Conversations, 0
	if opts.Nested && opts.Conversations > 1 {
		inner = opts.Conversations / 2
		outer -= inner
	}

	main, err := g.recordFile(0, outer, opts.Malformed)
	if err != nil {
		return nil, err
	}
	if err := g.add(zw, "json/chat_history.csv", main); err != nil {
		return nil, err
	}

	if inner > 0 {
		nested, err := g.recordFile(outer, inner, 0)
		if err != nil {
			return nil, err
		}
		var nb bytes.Buffer
		nz := zip.NewWriter(&nb)
		if err := g.add(nz, "json/chat_history_2.csv", nested); err != nil {
			return nil, err
		}
		if err := nz.Close(); err != nil {
			return nil, err
		}
		if err := writeEntry(zw, "archives/part2.zip", nb.Bytes()); err != nil {
			return nil, err
		}
		g.res.RecordFiles[len(g.res.RecordFiles)-1] = "archives/part2.zip!/json/chat_history_2.csv"
	}

	if opts.PartialRows > 0 {
		partial, err := g.partialFile()
		if err != nil {
			return nil, err
		}
		if err := g.add(zw, "json/reported_content.csv", partial); err != nil {
			return nil, err
		}
	}

	for _, name := range slices.Sorted(maps.Keys(g.media)) {
		if err := writeEntry(zw, "chat_media/"+name+".jpg", g.media[name]); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close archive: %w", err)
	}

	g.res.Conversations = opts.Conversations
	if opts.PartialRows > 0 {
		g.res.Conversations++
	}
	g.res.Bytes = cw.n
	return &g.res, nil
}

func (g *generator) add(zw *zip.Writer, name string, data []byte) error {
	g.res.RecordFiles = append(g.res.RecordFiles, name)
	return writeEntry(zw, name, data)
}

func writeEntry(zw *zip.Writer, name string, data []byte) error {
	fw, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("create %s: %w", name, err)
	}
	if _, err := fw.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

// recordFile renders conversations [first, first+n) in the complete schema,
// followed by malformed rows.
func (g *generator) recordFile(first, n, malformed int) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return nil, err
	}
	for c := first; c < first+n; c++ {
		convID := fmt.Sprintf("conv-%03d", c)
		a, b := users[c%len(users)], users[(c+1)%len(users)]
		ts := g.opts.Start.Add(time.Duration(c) * time.Hour)
		for m := 0; m < g.opts.MessagesPerConv; m++ {
			sender, recipient := a, b
			if g.rng.IntN(2) == 1 {
				sender, recipient = b, a
			}
			ts = ts.Add(time.Duration(1+g.rng.IntN(600)) * time.Second)

			row := []string{
				convID, a + " & " + b, fmt.Sprintf("%s-%04d", convID, m), "TEXT",
				ts.Format("2006-01-02 15:04:05 UTC"), sender, recipient, g.sentence(), "", "", "",
			}
			if g.opts.MediaEvery > 0 && (m+1)%g.opts.MediaEvery == 0 {
				row[3], row[7], row[8] = "MEDIA", "", g.mediaRef()
			}
			if g.rng.IntN(10) == 0 {
				row[9] = recipient + ":" + reactions[g.rng.IntN(len(reactions))]
			}
			if g.rng.IntN(15) == 0 {
				row[10] = recipient
			}
			if err := w.Write(row); err != nil {
				return nil, err
			}
			g.res.Messages++
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	for i := 0; i < malformed; i++ {
		fmt.Fprintf(&buf, "conv-broken,row-%d\n", i)
		g.res.Malformed++
	}
	return buf.Bytes(), nil
}

func (g *generator) partialFile() ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{records.ColSenderUsername, records.ColTimestamp, records.ColMediaID}); err != nil {
		return nil, err
	}
	ts := g.opts.Start
	for i := 0; i < g.opts.PartialRows; i++ {
		ts = ts.Add(time.Duration(1+g.rng.IntN(86400)) * time.Second)
		if err := w.Write([]string{users[g.rng.IntN(len(users))], ts.Format("2006-01-02 15:04:05 UTC"), g.mediaRef()}); err != nil {
			return nil, err
		}
		g.res.Messages++
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

// mediaRef returns a new reference and, unless it is due to be missing,
// the fake media bytes that resolve it.
func (g *generator) mediaRef() string {
	var seed [16]byte
	for i := range seed {
		seed[i] = byte(g.rng.UintN(256))
	}
	ref := uuid.NewSHA1(uuid.NameSpaceOID, seed[:]).String()
	g.res.MediaRefs++
	if g.opts.MissingMediaEvery > 0 && g.res.MediaRefs%g.opts.MissingMediaEvery == 0 {
		return ref
	}
	data := make([]byte, 256+g.rng.IntN(4096))
	for i := range data {
		data[i] = byte(g.rng.UintN(256))
	}
	g.media[ref] = data
	g.res.MediaPresent++
	return ref
}

func (g *generator) sentence() string {
	n := 2 + g.rng.IntN(10)
	parts := make([]string, n)
	for i := range parts {
		parts[i] = words[g.rng.IntN(len(words))]
	}
	return strings.Join(parts, " ")
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
