package source

import "github.com/and161185/harvester/internal/pipeline"

// MessageFields protects message bodies and senders.
var MessageFields = pipeline.FieldConfig{
	Encrypt:       []string{"text", "sender"},
	EncryptArrays: []string{"attachments"},
	Indexes: []pipeline.IndexSpec{
		{Source: "sender", Target: "senderIndex", Normalize: pipeline.NormalizePhone},
	},
}

// ContactFields protects contact identity.
var ContactFields = pipeline.FieldConfig{
	Encrypt:       []string{"name", "note", "primaryPhone"},
	EncryptArrays: []string{"phones", "emails"},
	Indexes: []pipeline.IndexSpec{
		{Source: "name", Target: "nameIndex", Normalize: pipeline.NormalizeName},
		{Source: "primaryPhone", Target: "phoneIndex", Normalize: pipeline.NormalizePhone},
	},
}

// NoteFields protects note content.
var NoteFields = pipeline.FieldConfig{
	Encrypt: []string{"title", "body"},
	Indexes: []pipeline.IndexSpec{
		{Source: "title", Target: "titleIndex", Normalize: pipeline.NormalizeName},
	},
}
