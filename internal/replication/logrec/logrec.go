// Package logrec defines the on-disk log page/header/record layout and
// the logical replication item types the analyzer produces and the
// appliers consume.
package logrec

import (
	"time"

	"github.com/rye-db/rye/internal/types"
)

// PageSize is the default fixed log page size (16 KiB per spec.md §3).
const PageSize = 16 * 1024

// RecordAlignment is the byte boundary every log record header must
// start on.
const RecordAlignment = 8

// HeaderPageID is the logical page id reserved for the log header
// (physical slot 0 is never part of the addressable ring).
const HeaderPageID = 0

// Page is a fixed-size, record-addressed unit of the log.
type Page struct {
	PageID    int64  // logical page id; monotonically increasing, preserved verbatim in archives
	Offset    int16  // offset to the first record header beginning on this page
	Data      [PageSize]byte
}

// LogicalToPhysical maps a logical pageid on the active volume to its
// physical slot, per spec.md §3: slot 0 is reserved for the header.
func LogicalToPhysical(pageID, fpageid int64, npages int64) int64 {
	return ((pageID-fpageid)%npages+npages)%npages + 1
}

// FileStatus is the active log's durability/archival status as
// recorded in ha_info.
type FileStatus int

const (
	FileStatusClear FileStatus = iota
	FileStatusArchived
	FileStatusSynchronized
)

// HAInfo is the replication-relevant subset of the active log header.
type HAInfo struct {
	LastFlushedPageID int64
	NxArvPageID       int64
	NxArvNum          int32
	LastDeletedArvNum int32
	FileStatus        FileStatus
	ServerState       string
	PermStatus        string
}

// Header is the active log header, stored in physical slot 0.
type Header struct {
	Magic            string
	CreationTime     time.Time
	Prefix           string // database name
	PageSize         int32
	NPages           int64 // total active pages
	FPageID          int64 // logical id of physical slot 1
	NextArchiveSeqNo int32
	NextArchiveStart int64
	HA               HAInfo
	EOFLSA           types.LSA // highest durable record
}

// ArchiveHeader is the header page stored in slot 0 of an archive
// file.
type ArchiveHeader struct {
	Magic        string
	DBCreateTime time.Time
	NextTrid     int64
	FPageID      int64
	ArvNum       int32
	NPages       int64
}

// RecordType enumerates the log record kinds the core cares about.
type RecordType int

const (
	RecCommit RecordType = iota
	RecAbort
	RecReplicationData
	RecReplicationSchema
	RecDummyUpdateGIDBitmap
	RecDummyHAServerState
	RecDummyCrashRecovery
	RecEndChkpt
	RecEndOfLog
)

// RecordHeader precedes every log record's type-specific body.
type RecordHeader struct {
	Type         RecordType
	Trid         int64
	PrevTranLSA  types.LSA
	PrevLSA      types.LSA
	ForwardLSA   types.LSA
}

// RCVIndex is the DML kind of a data replication item.
type RCVIndex int

const (
	RCVInsert RCVIndex = iota
	RCVUpdate
	RCVDelete
)

// DDLKind distinguishes schema-change statement flavors; recovered
// from original_source's repl_common.c stmt_type discriminator,
// restored per SPEC_FULL.md §3.
type DDLKind int

const (
	DDLCreate DDLKind = iota
	DDLAlter
	DDLDrop
	DDLRename
)

// GlobalGroupID is the shard group id meaning "replicated to every
// node", per spec.md §4.10.
const GlobalGroupID = 0

// GlobalApplierIndex is the lane a GLOBAL_GROUPID item routes to
// unless its class is ShardGroupSKeyClassName, per spec.md §4.10.
const GlobalApplierIndex = 1

// ShardGroupSKeyClassName is the catalog class carrying (group_id,
// shard_key) rows (original_source's CT_SHARD_GID_SKEY_INFO_NAME);
// GLOBAL_GROUPID items against this class route by shard key instead
// of the global applier lane, per spec.md §4.10.
const ShardGroupSKeyClassName = "_db_shard_gid_skey_info"

// GIDBitmapClassName is the catalog class a DUMMY_UPDATE_GID_BITMAP
// record's catalog item is tagged with (original_source's
// CT_SHARD_GID_BITMAP_INFO_NAME); always dispatched on the DDL lane,
// per spec.md §4.10.
const GIDBitmapClassName = "_db_shard_gid_bitmap_info"

// DataItem is a logical INSERT/UPDATE/DELETE replication item.
type DataItem struct {
	RCVIndex   RCVIndex
	GroupID    int32
	ClassName  string
	IdxKey     []byte // primary-key record descriptor
	Payload    []byte // full record descriptor
	SourceLSA  types.LSA
}

// SchemaItem is a logical DDL replication item.
type SchemaItem struct {
	DDLKind   DDLKind
	DBUser    string
	QueryText string
	SourceLSA types.LSA
}

// CopyareaOp distinguishes who produced a catalog item.
type CopyareaOp int

const (
	CopyareaAnalyzerUpdate CopyareaOp = iota
	CopyareaApplierUpdate
)

// CatalogItem updates a catalog (system) table row, e.g. a progress row.
type CatalogItem struct {
	ClassName  string
	IdxKey     []byte
	Payload    []byte
	Op         CopyareaOp
	SourceLSA  types.LSA
}

// HAStateItem carries a DUMMY_HA_SERVER_STATE record's payload: the
// upstream's self-reported HA role and the wall-clock time it entered
// that role, consumed immediately by the analyzer (never buffered
// against a transaction) for source_applied_time/replication_delay
// reporting and the is_role_changed lock-release hook, per spec.md
// §4.10.
type HAStateItem struct {
	ServerState string
	ObservedAt  time.Time
}

// Item is the tagged union of replication item kinds dispatched by the
// analyzer to an applier queue. Exactly one of Data/Schema/Catalog/HAState is set.
type Item struct {
	Trid      int64
	Data      *DataItem
	Schema    *SchemaItem
	Catalog   *CatalogItem
	HAState   *HAStateItem
	// Blocking marks items (DDL, group-bitmap updates) that must be
	// dispatched only when every other applier lane is idle, and whose
	// commit the analyzer's dispatcher waits on before continuing.
	Blocking bool
	// Done is closed by the applier lane once this item commits; only
	// populated for Blocking items, never persisted on disk.
	Done chan struct{}
}

// Tran is the analyzer's bookkeeping for one in-flight transaction.
type Tran struct {
	Trid         int64
	TranStartLSA types.LSA
	TranEndLSA   types.LSA
	ReplStartLSA types.LSA
	ApplierIndex int
	Pending      *Item
}
