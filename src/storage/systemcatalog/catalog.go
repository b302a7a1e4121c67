package systemcatalog

import (
	"cmp"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/go-faster/errors"
	"github.com/spf13/afero"

	"github.com/Blackdeer1524/TupleStore/src/pkg/common"
	"github.com/Blackdeer1524/TupleStore/src/storage/tuple"
)

const (
	zeroVersion = uint64(0)

	versionFileName = "catalog_version"
)

var (
	ErrEntityNotFound = errors.New("entity not found")
	ErrEntityExists   = errors.New("entity already exists")
)

type AttributeMeta struct {
	Name       string `json:"name"`
	SizeWords  uint16 `json:"size_words"`
	Nullable   bool   `json:"nullable"`
	PrimaryKey bool   `json:"primary_key"`
}

type TableMeta struct {
	ID            common.TableID  `json:"id"`
	Attributes    []AttributeMeta `json:"attributes"`
	Checksum      bool            `json:"checksum"`
	CommitCounter bool            `json:"commit_counter"`
	Fragments     []common.FragID `json:"fragments"`
}

func TableMetaFromDescriptor(desc tuple.Descriptor) TableMeta {
	attrs := make([]AttributeMeta, len(desc.Attributes))
	for i, a := range desc.Attributes {
		attrs[i] = AttributeMeta(a)
	}
	return TableMeta{
		ID:            desc.Table,
		Attributes:    attrs,
		Checksum:      desc.Checksum,
		CommitCounter: desc.CommitCounter,
	}
}

func (t TableMeta) Descriptor() tuple.Descriptor {
	attrs := make([]tuple.Attribute, len(t.Attributes))
	for i, a := range t.Attributes {
		attrs[i] = tuple.Attribute(a)
	}
	return tuple.Descriptor{
		Table:         t.ID,
		Attributes:    attrs,
		Checksum:      t.Checksum,
		CommitCounter: t.CommitCounter,
	}
}

func (t TableMeta) Copy() TableMeta {
	t.Attributes = slices.Clone(t.Attributes)
	t.Fragments = slices.Clone(t.Fragments)
	return t
}

// CheckpointMeta names the files of the newest completed checkpoint of a
// fragment. Paths are relative to the catalog base path.
type CheckpointMeta struct {
	Table      common.TableID  `json:"table"`
	Frag       common.FragID   `json:"frag"`
	RunID      string          `json:"run_id"`
	Version    uint32          `json:"version"`
	DataFile   string          `json:"data_file"`
	UndoFile   string          `json:"undo_file"`
	Pages      uint32          `json:"pages"`
	UndoPages  int             `json:"undo_pages"`
	LastRecord common.RecordID `json:"last_record"`
	Compressed bool            `json:"compressed"`
}

func (c CheckpointMeta) Key() common.FragmentKey {
	return common.FragmentKey{Table: c.Table, Frag: c.Frag}
}

type Metadata struct {
	CheckpointVersion uint32 `json:"checkpoint_version"`
}

type Data struct {
	Metadata    Metadata                     `json:"metadata"`
	Tables      map[common.TableID]TableMeta `json:"tables"`
	Checkpoints map[string]CheckpointMeta    `json:"checkpoints"`
}

func NewEmptyData() *Data {
	return &Data{
		Metadata:    Metadata{},
		Tables:      map[common.TableID]TableMeta{},
		Checkpoints: map[string]CheckpointMeta{},
	}
}

func (d *Data) Copy() Data {
	tables := make(map[common.TableID]TableMeta, len(d.Tables))
	for k, v := range d.Tables {
		tables[k] = v.Copy()
	}

	checkpoints := make(map[string]CheckpointMeta, len(d.Checkpoints))
	for k, v := range d.Checkpoints {
		checkpoints[k] = v
	}

	return Data{
		Metadata:    d.Metadata,
		Tables:      tables,
		Checkpoints: checkpoints,
	}
}

// Catalog is the versioned manifest of table definitions and completed
// checkpoints. Every CommitChanges writes a new JSON file and then flips
// the version file to it, so a crash leaves the previous version intact.
type Catalog struct {
	fs       afero.Fs
	basePath string
	data     *Data

	// masterVersion is the version data was read from; Load skips the
	// reread when the version file still names it.
	masterVersion uint64
	isDirty       bool

	mu sync.RWMutex
}

func GetVersionFilePath(basePath string) string {
	return filepath.Join(basePath, versionFileName)
}

func getSystemCatalogFilename(basePath string, v uint64) string {
	return filepath.Join(basePath, "system_catalog_"+fmt.Sprint(v)+".json")
}

func isFileExists(fs afero.Fs, path string) (bool, error) {
	ok, err := afero.Exists(fs, path)
	if err != nil {
		return false, errors.Wrapf(err, "stat %s", path)
	}
	return ok, nil
}

func writeFileSync(fs afero.Fs, path string, data []byte) (err error) {
	file, err := fs.OpenFile(filepath.Clean(path), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()

	if _, err = file.Write(data); err != nil {
		return errors.Wrapf(err, "write %s", path)
	}
	if err = file.Sync(); err != nil {
		return errors.Wrapf(err, "sync %s", path)
	}
	return nil
}

func writeVersion(fs afero.Fs, basePath string, v uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return writeFileSync(fs, GetVersionFilePath(basePath), b[:])
}

func readVersion(fs afero.Fs, basePath string) (uint64, error) {
	b, err := afero.ReadFile(fs, GetVersionFilePath(basePath))
	if err != nil {
		return 0, errors.Wrap(err, "read version file")
	}
	if len(b) != 8 {
		return 0, errors.Errorf("version file holds %d bytes", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}

func readData(fs afero.Fs, basePath string, v uint64) (*Data, error) {
	dataBytes, err := afero.ReadFile(fs, getSystemCatalogFilename(basePath, v))
	if err != nil {
		return nil, errors.Wrap(err, "read system catalog file")
	}

	data := NewEmptyData()
	if err := json.Unmarshal(dataBytes, data); err != nil {
		return nil, errors.Wrap(err, "unmarshal system catalog file")
	}
	return data, nil
}

// InitSystemCatalog creates an empty catalog at version zero unless one
// already exists.
func InitSystemCatalog(basePath string, fs afero.Fs) error {
	ok, err := isFileExists(fs, GetVersionFilePath(basePath))
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	if err := fs.MkdirAll(basePath, 0o755); err != nil {
		return errors.Wrapf(err, "mkdir %s", basePath)
	}

	data, err := json.Marshal(NewEmptyData())
	if err != nil {
		return errors.Wrap(err, "marshal to json")
	}
	if err := writeFileSync(fs, getSystemCatalogFilename(basePath, zeroVersion), data); err != nil {
		return err
	}
	return writeVersion(fs, basePath, zeroVersion)
}

// New reads the catalog version named by the version file.
func New(basePath string, fs afero.Fs) (*Catalog, error) {
	ok, err := isFileExists(fs, GetVersionFilePath(basePath))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Errorf(
			"version file %q not found; run InitSystemCatalog first",
			GetVersionFilePath(basePath),
		)
	}

	versionNum, err := readVersion(fs, basePath)
	if err != nil {
		return nil, err
	}
	data, err := readData(fs, basePath, versionNum)
	if err != nil {
		return nil, err
	}

	return &Catalog{
		fs:            fs,
		basePath:      basePath,
		data:          data,
		masterVersion: versionNum,
	}, nil
}

// Load drops uncommitted changes and rereads the catalog if the version
// file moved.
func (m *Catalog) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	onDiskVersionNum, err := readVersion(m.fs, m.basePath)
	if err != nil {
		return err
	}
	if m.masterVersion == onDiskVersionNum && !m.isDirty {
		return nil
	}

	data, err := readData(m.fs, m.basePath, onDiskVersionNum)
	if err != nil {
		return err
	}
	m.masterVersion = onDiskVersionNum
	m.data = data
	m.isDirty = false
	return nil
}

func (m *Catalog) GetBasePath() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.basePath
}

// CommitChanges persists pending changes as the next version.
func (m *Catalog) CommitChanges() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.isDirty {
		return nil
	}

	nVersion := m.masterVersion + 1
	data, err := json.Marshal(m.data)
	if err != nil {
		return errors.Wrap(err, "marshal system catalog data")
	}
	if err := writeFileSync(m.fs, getSystemCatalogFilename(m.basePath, nVersion), data); err != nil {
		return err
	}
	if err := writeVersion(m.fs, m.basePath, nVersion); err != nil {
		return err
	}

	// the previous version is unreachable now
	_ = m.fs.Remove(getSystemCatalogFilename(m.basePath, m.masterVersion))

	m.masterVersion = nVersion
	m.isDirty = false
	return nil
}

func (m *Catalog) CurrentVersion() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.masterVersion
}

func (m *Catalog) AddTable(meta TableMeta) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.data.Tables[meta.ID]; exists {
		return errors.Wrapf(ErrEntityExists, "table %d", meta.ID)
	}
	m.data.Tables[meta.ID] = meta.Copy()
	m.isDirty = true
	return nil
}

// AddFragment records that table id has fragment frag.
func (m *Catalog) AddFragment(key common.FragmentKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, exists := m.data.Tables[key.Table]
	if !exists {
		return errors.Wrapf(ErrEntityNotFound, "table %d", key.Table)
	}
	if slices.Contains(t.Fragments, key.Frag) {
		return errors.Wrapf(ErrEntityExists, "fragment %v", key)
	}
	t.Fragments = append(slices.Clone(t.Fragments), key.Frag)
	slices.Sort(t.Fragments)
	m.data.Tables[key.Table] = t
	m.isDirty = true
	return nil
}

func (m *Catalog) TableExists(id common.TableID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, exists := m.data.Tables[id]
	return exists, nil
}

func (m *Catalog) GetTableMeta(id common.TableID) (TableMeta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, exists := m.data.Tables[id]
	if !exists {
		return TableMeta{}, errors.Wrapf(ErrEntityNotFound, "table %d", id)
	}
	return t.Copy(), nil
}

// DropTable removes the table together with the checkpoints of its
// fragments.
func (m *Catalog) DropTable(id common.TableID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, exists := m.data.Tables[id]
	if !exists {
		return errors.Wrapf(ErrEntityNotFound, "table %d", id)
	}
	for _, frag := range t.Fragments {
		delete(m.data.Checkpoints, common.FragmentKey{Table: id, Frag: frag}.String())
	}
	delete(m.data.Tables, id)
	m.isDirty = true
	return nil
}

func (m *Catalog) Tables() []TableMeta {
	m.mu.RLock()
	defer m.mu.RUnlock()

	res := make([]TableMeta, 0, len(m.data.Tables))
	for _, t := range m.data.Tables {
		res = append(res, t.Copy())
	}
	slices.SortFunc(res, func(a, b TableMeta) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return res
}

// PutCheckpoint replaces the checkpoint of a fragment and returns the one
// it supersedes.
func (m *Catalog) PutCheckpoint(meta CheckpointMeta) (CheckpointMeta, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, exists := m.data.Tables[meta.Table]
	if !exists || !slices.Contains(t.Fragments, meta.Frag) {
		return CheckpointMeta{}, false, errors.Wrapf(ErrEntityNotFound, "fragment %v", meta.Key())
	}

	key := meta.Key().String()
	prev, had := m.data.Checkpoints[key]
	m.data.Checkpoints[key] = meta
	if meta.Version > m.data.Metadata.CheckpointVersion {
		m.data.Metadata.CheckpointVersion = meta.Version
	}
	m.isDirty = true
	return prev, had, nil
}

func (m *Catalog) GetCheckpoint(key common.FragmentKey) (CheckpointMeta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, exists := m.data.Checkpoints[key.String()]
	if !exists {
		return CheckpointMeta{}, errors.Wrapf(ErrEntityNotFound, "checkpoint of %v", key)
	}
	return c, nil
}

func (m *Catalog) Checkpoints() []CheckpointMeta {
	m.mu.RLock()
	defer m.mu.RUnlock()

	res := make([]CheckpointMeta, 0, len(m.data.Checkpoints))
	for _, c := range m.data.Checkpoints {
		res = append(res, c)
	}
	slices.SortFunc(res, func(a, b CheckpointMeta) int {
		if c := cmp.Compare(a.Table, b.Table); c != 0 {
			return c
		}
		return cmp.Compare(a.Frag, b.Frag)
	})
	return res
}

// NextCheckpointVersion is one past the newest version any fragment
// completed.
func (m *Catalog) NextCheckpointVersion() uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.data.Metadata.CheckpointVersion + 1
}

func (m *Catalog) CopyData() (Data, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.data.Copy(), nil
}
