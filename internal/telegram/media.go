package telegram

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gotd/td/telegram/downloader"
	"github.com/gotd/td/tg"

	"github.com/blockedby/chatlog/internal/events"
)

// media kinds
const (
	MediaPhoto     = "photo"
	MediaDocument  = "document"
	MediaVideo     = "video"
	MediaAudio     = "audio"
	MediaVoice     = "voice"
	MediaVideoNote = "video_note"
	MediaAnimation = "animation"
	MediaSticker   = "sticker"
	MediaPoll      = "poll"
	MediaContact   = "contact"
	MediaLocation  = "location"
	MediaVenue     = "venue"
	MediaDice      = "dice"
	MediaGame      = "game"
	MediaWebPage   = "web_page"
	MediaOther     = "other"
)

// convertMedia reduces an attachment to its descriptor. Polls and contacts
// are returned separately since they carry content rather than a file.
func convertMedia(mc tg.MessageMediaClass) (*events.Media, *events.Poll, *events.Contact) {
	switch m := mc.(type) {
	case *tg.MessageMediaPhoto:
		p, ok := m.Photo.(*tg.Photo)
		if !ok {
			return &events.Media{Kind: MediaPhoto}, nil, nil
		}
		return &events.Media{
			Kind:     MediaPhoto,
			FileID:   encodeFileID(photoLocation(p)),
			UniqueID: strconv.FormatInt(p.ID, 10),
		}, nil, nil
	case *tg.MessageMediaDocument:
		d, ok := m.Document.(*tg.Document)
		if !ok {
			return &events.Media{Kind: MediaDocument}, nil, nil
		}
		kind, name := documentKind(d)
		return &events.Media{
			Kind:     kind,
			FileID:   encodeFileID(documentLocation(d)),
			UniqueID: strconv.FormatInt(d.ID, 10),
			FileName: name,
			MimeType: d.MimeType,
			Size:     d.Size,
		}, nil, nil
	case *tg.MessageMediaPoll:
		poll := &events.Poll{Question: m.Poll.Question}
		for _, a := range m.Poll.Answers {
			poll.Options = append(poll.Options, a.Text)
		}
		return &events.Media{Kind: MediaPoll}, poll, nil
	case *tg.MessageMediaContact:
		return &events.Media{Kind: MediaContact}, nil, &events.Contact{
			Phone:     m.PhoneNumber,
			FirstName: m.FirstName,
			LastName:  m.LastName,
			UserID:    m.UserID,
			VCard:     m.Vcard,
		}
	case *tg.MessageMediaGeo, *tg.MessageMediaGeoLive:
		return &events.Media{Kind: MediaLocation}, nil, nil
	case *tg.MessageMediaVenue:
		return &events.Media{Kind: MediaVenue}, nil, nil
	case *tg.MessageMediaDice:
		return &events.Media{Kind: MediaDice}, nil, nil
	case *tg.MessageMediaGame:
		return &events.Media{Kind: MediaGame}, nil, nil
	case *tg.MessageMediaWebPage:
		// link previews are part of the text, not an attachment
		return nil, nil, nil
	case *tg.MessageMediaEmpty:
		return nil, nil, nil
	default:
		return &events.Media{Kind: MediaOther}, nil, nil
	}
}

func documentKind(d *tg.Document) (kind, name string) {
	kind = MediaDocument
	for _, attr := range d.Attributes {
		switch a := attr.(type) {
		case *tg.DocumentAttributeFilename:
			name = a.FileName
		case *tg.DocumentAttributeSticker:
			kind = MediaSticker
		case *tg.DocumentAttributeAnimated:
			kind = MediaAnimation
		case *tg.DocumentAttributeVideo:
			if kind == MediaDocument {
				kind = MediaVideo
			}
			if a.RoundMessage {
				kind = MediaVideoNote
			}
		case *tg.DocumentAttributeAudio:
			kind = MediaAudio
			if a.Voice {
				kind = MediaVoice
			}
		}
	}
	return kind, name
}

func photoLocation(p *tg.Photo) tg.InputFileLocationClass {
	return &tg.InputPhotoFileLocation{
		ID:            p.ID,
		AccessHash:    p.AccessHash,
		FileReference: p.FileReference,
		ThumbSize:     largestSize(p.Sizes),
	}
}

func documentLocation(d *tg.Document) tg.InputFileLocationClass {
	return &tg.InputDocumentFileLocation{
		ID:            d.ID,
		AccessHash:    d.AccessHash,
		FileReference: d.FileReference,
	}
}

// largestSize picks the type of the biggest downloadable photo size.
func largestSize(sizes []tg.PhotoSizeClass) string {
	best, bestArea := "", -1
	for _, s := range sizes {
		switch v := s.(type) {
		case *tg.PhotoSize:
			if a := v.W * v.H; a > bestArea {
				best, bestArea = v.Type, a
			}
		case *tg.PhotoSizeProgressive:
			if a := v.W * v.H; a > bestArea {
				best, bestArea = v.Type, a
			}
		}
	}
	if best == "" {
		return "x"
	}
	return best
}

// File ids are "<kind>:<id>:<access_hash>:<file_reference>[:<thumb>]" with
// the file reference base64url encoded. They carry everything needed to
// download the file later, so stored descriptors stay small.
const (
	fileIDPhoto    = "p"
	fileIDDocument = "d"
)

var errBadFileID = errors.New("malformed file id")

func encodeFileID(loc tg.InputFileLocationClass) string {
	switch l := loc.(type) {
	case *tg.InputPhotoFileLocation:
		return strings.Join([]string{
			fileIDPhoto,
			strconv.FormatInt(l.ID, 10),
			strconv.FormatInt(l.AccessHash, 10),
			base64.RawURLEncoding.EncodeToString(l.FileReference),
			l.ThumbSize,
		}, ":")
	case *tg.InputDocumentFileLocation:
		return strings.Join([]string{
			fileIDDocument,
			strconv.FormatInt(l.ID, 10),
			strconv.FormatInt(l.AccessHash, 10),
			base64.RawURLEncoding.EncodeToString(l.FileReference),
		}, ":")
	default:
		return ""
	}
}

func decodeFileID(s string) (tg.InputFileLocationClass, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 4 {
		return nil, fmt.Errorf("%w: %q", errBadFileID, s)
	}
	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: id: %v", errBadFileID, err)
	}
	hash, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: access hash: %v", errBadFileID, err)
	}
	ref, err := base64.RawURLEncoding.DecodeString(parts[3])
	if err != nil {
		return nil, fmt.Errorf("%w: file reference: %v", errBadFileID, err)
	}

	switch parts[0] {
	case fileIDPhoto:
		if len(parts) != 5 {
			return nil, fmt.Errorf("%w: photo without size", errBadFileID)
		}
		return &tg.InputPhotoFileLocation{ID: id, AccessHash: hash, FileReference: ref, ThumbSize: parts[4]}, nil
	case fileIDDocument:
		return &tg.InputDocumentFileLocation{ID: id, AccessHash: hash, FileReference: ref}, nil
	default:
		return nil, fmt.Errorf("%w: kind %q", errBadFileID, parts[0])
	}
}

// MediaFetcher downloads message attachments into a directory, one
// subdirectory per chat. It implements ingest.MediaFetcher.
type MediaFetcher struct {
	api *Manager
	dir string
	dl  *downloader.Downloader
	rl  *RateLimiter
}

// NewMediaFetcher creates a fetcher saving under dir.
func NewMediaFetcher(api *Manager, dir string, rl *RateLimiter) *MediaFetcher {
	return &MediaFetcher{api: api, dir: dir, dl: downloader.NewDownloader(), rl: rl}
}

// Fetch downloads the attachment of m and returns the saved path.
func (f *MediaFetcher) Fetch(ctx context.Context, m *events.Message) (string, error) {
	if m.Media == nil || m.Media.FileID == "" || m.Chat == nil {
		return "", errors.New("message has no downloadable media")
	}
	loc, err := decodeFileID(m.Media.FileID)
	if err != nil {
		return "", err
	}
	api, err := f.api.API()
	if err != nil {
		return "", err
	}

	dir := filepath.Join(f.dir, strconv.FormatInt(m.Chat.ID, 10))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create media dir: %w", err)
	}
	path := filepath.Join(dir, mediaFileName(m))

	if f.rl != nil {
		if err := f.rl.Wait(ctx); err != nil {
			return "", err
		}
	}
	if _, err := f.dl.Download(api, loc).ToPath(ctx, path); err != nil {
		if f.rl != nil {
			f.rl.Observe(err)
		}
		return "", fmt.Errorf("download %s: %w", m.Media.Kind, err)
	}
	return path, nil
}

func mediaFileName(m *events.Message) string {
	name := strconv.FormatInt(m.ID, 10) + "_" + m.Media.UniqueID
	switch {
	case m.Media.FileName != "":
		return name + "_" + filepath.Base(m.Media.FileName)
	case m.Media.Kind == MediaPhoto:
		return name + ".jpg"
	default:
		return name
	}
}
