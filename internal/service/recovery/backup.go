package recovery

import (
	"bytes"
	"convlog/internal/model"
	"encoding/json"
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cuejson "cuelang.org/go/encoding/json"
)

// backupSchema is the exact shape of an exported backup. Definitions are
// closed, so unknown fields anywhere are rejected.
const backupSchema = `
import "time"

#Backup: {
	version!:            int & >=1
	exportedAt!:         time.Time
	identityKey!:        null
	messagingPublicKey!: null | =~"^[0-9a-f]{64}$"
	conversationKeys!: [...#ConversationKey]
}

#ConversationKey: {
	conversationId!: =~"^(dm|group)_[a-z0-9][a-z0-9._\\-]*$"
	logKey!:         =~"^[0-9a-f]{64}$"
	discoveryKey!:   =~"^[0-9a-f]{64}$"
}
`

var (
	schemaOnce sync.Once
	schemaCtx  *cue.Context
	schemaDef  cue.Value
	schemaErr  error

	// A cue.Context is not safe for concurrent use.
	schemaMu sync.Mutex
)

func backupDefinition() (*cue.Context, cue.Value, error) {
	schemaOnce.Do(func() {
		schemaCtx = cuecontext.New()
		v := schemaCtx.CompileString(backupSchema, cue.Filename("backup.cue"))
		if err := v.Err(); err != nil {
			schemaErr = fmt.Errorf("compile backup schema: %w", err)
			return
		}
		schemaDef = v.LookupPath(cue.ParsePath("#Backup"))
		schemaErr = schemaDef.Err()
	})
	return schemaCtx, schemaDef, schemaErr
}

// validateBackup checks data against the schema.
func validateBackup(data []byte) error {
	ctx, def, err := backupDefinition()
	if err != nil {
		return err
	}
	schemaMu.Lock()
	defer schemaMu.Unlock()

	expr, err := cuejson.Extract("backup.json", data)
	if err != nil {
		return err
	}
	v := ctx.BuildExpr(expr)
	if err := v.Err(); err != nil {
		return err
	}
	return def.Unify(v).Validate(cue.Concrete(true))
}

var backupFields = []string{"version", "exportedAt", "identityKey", "messagingPublicKey", "conversationKeys"}

// ParseBackup validates and decodes an exported backup. Any deviation from
// the expected shape is model.ErrInvalidBackupFormat.
func ParseBackup(data []byte) (model.Backup, error) {
	if err := validateBackup(data); err != nil {
		return model.Backup{}, fmt.Errorf("%w: %w", model.ErrInvalidBackupFormat, err)
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return model.Backup{}, fmt.Errorf("%w: %w", model.ErrInvalidBackupFormat, err)
	}
	for _, f := range backupFields {
		if _, ok := top[f]; !ok {
			return model.Backup{}, fmt.Errorf("%w: missing %q", model.ErrInvalidBackupFormat, f)
		}
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var b model.Backup
	if err := dec.Decode(&b); err != nil {
		return model.Backup{}, fmt.Errorf("%w: %w", model.ErrInvalidBackupFormat, err)
	}
	if b.Version != model.BackupVersion {
		return model.Backup{}, fmt.Errorf("%w: unsupported version %d", model.ErrInvalidBackupFormat, b.Version)
	}
	if b.IdentityKey != nil {
		return model.Backup{}, fmt.Errorf("%w: identityKey must be null", model.ErrInvalidBackupFormat)
	}
	return b, nil
}

// MarshalBackup encodes b and checks the result against the same schema
// ParseBackup uses.
func MarshalBackup(b model.Backup) ([]byte, error) {
	if b.IdentityKey != nil {
		return nil, fmt.Errorf("%w: backup carries an identity key", model.ErrExportFailed)
	}
	if b.ConversationKeys == nil {
		b.ConversationKeys = []model.ConversationKey{}
	}
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrExportFailed, err)
	}
	if err := validateBackup(data); err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrExportFailed, err)
	}
	return data, nil
}
