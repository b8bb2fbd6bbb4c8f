package source

import (
	"context"
	"fmt"

	"github.com/and161185/harvester/internal/pipeline"
)

// Kind names a source family.
type Kind string

const (
	KindMessages Kind = "messages"
	KindContacts Kind = "contacts"
	KindNotes    Kind = "notes"
)

// Common holds the schedule settings every source carries.
type Common struct {
	Enabled         bool
	IntervalMinutes uint
}

// Settings is the sealed set of per-kind source settings:
// *MessagesSettings, *ContactsSettings and *NotesSettings.
type Settings interface {
	Kind() Kind
	Schedule() Common
	sealed()
}

// MessagesSettings configures the local message store.
type MessagesSettings struct {
	Common
	DBPath        string   // sqlite message database, opened read-only
	ExcludedChats []string // chat ids never exported
}

// ContactsSettings configures the contacts export file.
type ContactsSettings struct {
	Common
	Path string // JSON lines
}

// NotesSettings configures the notes export file.
type NotesSettings struct {
	Common
	Path  string // JSON lines
	Watch bool   // run on file change
}

func (*MessagesSettings) Kind() Kind { return KindMessages }
func (*ContactsSettings) Kind() Kind { return KindContacts }
func (*NotesSettings) Kind() Kind    { return KindNotes }

func (s *MessagesSettings) Schedule() Common { return s.Common }
func (s *ContactsSettings) Schedule() Common { return s.Common }
func (s *NotesSettings) Schedule() Common    { return s.Common }

func (*MessagesSettings) sealed() {}
func (*ContactsSettings) sealed() {}
func (*NotesSettings) sealed()    {}

// Descriptor is everything the engines need to push one kind through the pipeline.
type Descriptor struct {
	Kind         Kind
	Fields       pipeline.FieldConfig
	Path         string // upload API path
	BodyKey      string // JSON key holding the records
	ExcludeField string // record field matched against Excluded
	Excluded     []string
}

// Describe returns the descriptor for s.
func Describe(s Settings) Descriptor {
	switch s := s.(type) {
	case *MessagesSettings:
		return Descriptor{
			Kind:         KindMessages,
			Fields:       MessageFields,
			Path:         "/api/messages",
			BodyKey:      "messages",
			ExcludeField: "chatId",
			Excluded:     s.ExcludedChats,
		}
	case *ContactsSettings:
		return Descriptor{Kind: KindContacts, Fields: ContactFields, Path: "/api/contacts", BodyKey: "contacts"}
	case *NotesSettings:
		return Descriptor{Kind: KindNotes, Fields: NoteFields, Path: "/api/notes", BodyKey: "notes"}
	default:
		panic(fmt.Sprintf("source: unhandled settings %T", s))
	}
}

// NewOpener returns an Opener producing a fresh adapter handle for s on every call.
func NewOpener(s Settings) Opener {
	switch s := s.(type) {
	case *MessagesSettings:
		path := s.DBPath
		return func(ctx context.Context) (Adapter, error) { return OpenSQLiteMessages(ctx, path) }
	case *ContactsSettings:
		path := s.Path
		return func(context.Context) (Adapter, error) { return NewFileAdapter(string(KindContacts), path), nil }
	case *NotesSettings:
		path := s.Path
		return func(context.Context) (Adapter, error) { return NewFileAdapter(string(KindNotes), path), nil }
	default:
		panic(fmt.Sprintf("source: unhandled settings %T", s))
	}
}
