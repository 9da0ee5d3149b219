package exthash

import (
	"context"
	"fmt"

	flushmanager "github.com/sushant-115/ehashdb/core/write_engine/flush_manager"
	"github.com/sushant-115/ehashdb/core/write_engine/memtable"
	pagemanager "github.com/sushant-115/ehashdb/core/write_engine/page_manager"
	internaltelemetry "github.com/sushant-115/ehashdb/internal/telemetry"
	"go.uber.org/zap"
)

const (
	DefaultHeaderMaxDepth    = 2
	DefaultDirectoryMaxDepth = DirectoryMaxDepthLimit
)

// Options sizes the three page levels. Zero values select the defaults;
// a zero BucketMaxSize fills the page.
type Options struct {
	HeaderMaxDepth    uint32 `yaml:"header_max_depth"`
	DirectoryMaxDepth uint32 `yaml:"directory_max_depth"`
	BucketMaxSize     uint32 `yaml:"bucket_max_size"`
}

// DiskExtendibleHashTable is a unique-key hash index stored in buffer pool pages.
//
// Layout: one header page fans out on the top bits of the hash to up to
// 2^HeaderMaxDepth directory pages; each directory fans out on the low bits to
// bucket pages. Buckets split when full and merge with their image when one of
// the two becomes empty.
//
// Latching follows header -> directory -> bucket. The header latch is released
// before descending unless a directory has to be created. The directory latch
// is held while the bucket latch is taken, so a bucket cannot be split or
// merged between the two lookups.
type DiskExtendibleHashTable[K any, V any] struct {
	name         string
	bpm          *memtable.BufferPoolManager
	serializer   KeyValueSerializer[K, V]
	order        Order[K]
	hashFn       HashFunc[K]
	headerPageID pagemanager.PageID

	directoryMaxDepth uint32
	bucketMaxSize     uint32

	logger  *zap.Logger
	metrics *internaltelemetry.HashIndexMetrics
}

// NewDiskExtendibleHashTable allocates and initialises a header page for a new index.
func NewDiskExtendibleHashTable[K any, V any](
	name string,
	bpm *memtable.BufferPoolManager,
	serializer KeyValueSerializer[K, V],
	order Order[K],
	hashFn HashFunc[K],
	opts Options,
	logger *zap.Logger,
) (*DiskExtendibleHashTable[K, V], error) {
	ht, opts, err := newTable(name, bpm, serializer, order, hashFn, opts, logger)
	if err != nil {
		return nil, err
	}

	basic, err := bpm.NewPageGuarded()
	if err != nil {
		return nil, fmt.Errorf("failed to allocate header page for index %q: %w", name, err)
	}
	hg := basic.UpgradeWrite()
	defer hg.Drop()
	AsHeaderPage(hg.GetDataMut()).Init(opts.HeaderMaxDepth)
	ht.headerPageID = hg.PageID()

	ht.logger.Info("Created extendible hash index",
		zap.Int32("header_page_id", int32(ht.headerPageID)),
		zap.Uint32("header_max_depth", opts.HeaderMaxDepth),
		zap.Uint32("directory_max_depth", ht.directoryMaxDepth),
		zap.Uint32("bucket_max_size", ht.bucketMaxSize))
	return ht, nil
}

// OpenDiskExtendibleHashTable attaches to an index whose header page already
// exists. The header's own max depth wins over opts.HeaderMaxDepth; the other
// options apply to directories and buckets created from now on.
func OpenDiskExtendibleHashTable[K any, V any](
	name string,
	bpm *memtable.BufferPoolManager,
	headerPageID pagemanager.PageID,
	serializer KeyValueSerializer[K, V],
	order Order[K],
	hashFn HashFunc[K],
	opts Options,
	logger *zap.Logger,
) (*DiskExtendibleHashTable[K, V], error) {
	ht, _, err := newTable(name, bpm, serializer, order, hashFn, opts, logger)
	if err != nil {
		return nil, err
	}
	hg, err := bpm.FetchPageRead(headerPageID)
	if err != nil {
		return nil, fmt.Errorf("failed to read header page %d for index %q: %w", headerPageID, name, err)
	}
	defer hg.Drop()
	depth := AsHeaderPage(hg.GetData()).MaxDepth()
	if depth > HeaderMaxDepthLimit {
		return nil, fmt.Errorf("%w: page %d has header max depth %d", flushmanager.ErrInvalidIndexLayout, headerPageID, depth)
	}
	ht.headerPageID = headerPageID
	ht.logger.Info("Opened extendible hash index",
		zap.Int32("header_page_id", int32(headerPageID)),
		zap.Uint32("header_max_depth", depth))
	return ht, nil
}

func newTable[K any, V any](
	name string,
	bpm *memtable.BufferPoolManager,
	serializer KeyValueSerializer[K, V],
	order Order[K],
	hashFn HashFunc[K],
	opts Options,
	logger *zap.Logger,
) (*DiskExtendibleHashTable[K, V], Options, error) {
	if bpm == nil {
		return nil, opts, fmt.Errorf("index %q: buffer pool manager cannot be nil", name)
	}
	if order == nil {
		return nil, opts, fmt.Errorf("index %q: key order cannot be nil", name)
	}
	if err := serializer.validate(); err != nil {
		return nil, opts, err
	}
	if hashFn == nil {
		hashFn = XXHashFunc(serializer.Key)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if opts.HeaderMaxDepth == 0 {
		opts.HeaderMaxDepth = DefaultHeaderMaxDepth
	}
	if opts.DirectoryMaxDepth == 0 {
		opts.DirectoryMaxDepth = DefaultDirectoryMaxDepth
	}
	capacity := BucketArraySize(serializer.Key.Size, serializer.Value.Size)
	if opts.BucketMaxSize == 0 {
		opts.BucketMaxSize = capacity
	}
	switch {
	case opts.HeaderMaxDepth > HeaderMaxDepthLimit:
		return nil, opts, fmt.Errorf("%w: header max depth %d exceeds %d", flushmanager.ErrInvalidIndexLayout, opts.HeaderMaxDepth, HeaderMaxDepthLimit)
	case opts.DirectoryMaxDepth > DirectoryMaxDepthLimit:
		return nil, opts, fmt.Errorf("%w: directory max depth %d exceeds %d", flushmanager.ErrInvalidIndexLayout, opts.DirectoryMaxDepth, DirectoryMaxDepthLimit)
	case opts.BucketMaxSize > capacity || capacity == 0:
		return nil, opts, fmt.Errorf("%w: bucket max size %d exceeds page capacity %d", flushmanager.ErrInvalidIndexLayout, opts.BucketMaxSize, capacity)
	}

	return &DiskExtendibleHashTable[K, V]{
		name:              name,
		bpm:               bpm,
		serializer:        serializer,
		order:             order,
		hashFn:            hashFn,
		headerPageID:      pagemanager.InvalidPageID,
		directoryMaxDepth: opts.DirectoryMaxDepth,
		bucketMaxSize:     opts.BucketMaxSize,
		logger:            logger.Named("exthash").With(zap.String("index", name)),
	}, opts, nil
}

// SetMetrics attaches metric instruments. Must be called before the table is shared.
func (ht *DiskExtendibleHashTable[K, V]) SetMetrics(m *internaltelemetry.HashIndexMetrics) {
	ht.metrics = m
}

// Name returns the index name used in logs.
func (ht *DiskExtendibleHashTable[K, V]) Name() string { return ht.name }

// GetHeaderPageID returns the page that roots the index. Persist it to reopen the index.
func (ht *DiskExtendibleHashTable[K, V]) GetHeaderPageID() pagemanager.PageID {
	return ht.headerPageID
}

func (ht *DiskExtendibleHashTable[K, V]) bucketView(data []byte) BucketPage[K, V] {
	return AsBucketPage(data, &ht.serializer, ht.order)
}

// checkKey rejects keys the codec cannot encode before any page is touched.
func (ht *DiskExtendibleHashTable[K, V]) checkKey(key K) error {
	b, err := ht.serializer.Key.Encode(key)
	if err != nil {
		return fmt.Errorf("%w: %v", flushmanager.ErrSerialization, err)
	}
	if len(b) > ht.serializer.Key.Size {
		return fmt.Errorf("%w: key length %d exceeds %d", flushmanager.ErrSerialization, len(b), ht.serializer.Key.Size)
	}
	return nil
}

// GetValue returns the value stored under key as a slice of zero or one elements.
func (ht *DiskExtendibleHashTable[K, V]) GetValue(key K) ([]V, error) {
	if err := ht.checkKey(key); err != nil {
		return nil, err
	}
	hash := ht.hashFn(key)

	hg, err := ht.bpm.FetchPageRead(ht.headerPageID)
	if err != nil {
		return nil, fmt.Errorf("fetch header page: %w", err)
	}
	header := AsHeaderPage(hg.GetData())
	dirPageID := header.GetDirectoryPageID(header.HashToDirectoryIndex(hash))
	hg.Drop()
	if dirPageID == pagemanager.InvalidPageID {
		ht.metrics.RecordOperation(context.Background(), "get", false)
		return nil, nil
	}

	dg, err := ht.bpm.FetchPageRead(dirPageID)
	if err != nil {
		return nil, fmt.Errorf("fetch directory page %d: %w", dirPageID, err)
	}
	dir := AsDirectoryPage(dg.GetData())
	bucketPageID := dir.GetBucketPageID(dir.HashToBucketIndex(hash))
	if bucketPageID == pagemanager.InvalidPageID {
		dg.Drop()
		ht.metrics.RecordOperation(context.Background(), "get", false)
		return nil, nil
	}
	bg, err := ht.bpm.FetchPageRead(bucketPageID)
	dg.Drop()
	if err != nil {
		return nil, fmt.Errorf("fetch bucket page %d: %w", bucketPageID, err)
	}
	defer bg.Drop()

	value, found, err := ht.bucketView(bg.GetData()).Lookup(key)
	if err != nil {
		return nil, err
	}
	ht.metrics.RecordOperation(context.Background(), "get", found)
	if !found {
		return nil, nil
	}
	return []V{value}, nil
}

// Insert adds key/value. It returns false without error when the key already
// exists or the target bucket cannot be split any further.
func (ht *DiskExtendibleHashTable[K, V]) Insert(key K, value V) (bool, error) {
	if err := ht.checkKey(key); err != nil {
		return false, err
	}
	hash := ht.hashFn(key)

	hg, err := ht.bpm.FetchPageWrite(ht.headerPageID)
	if err != nil {
		return false, fmt.Errorf("fetch header page: %w", err)
	}
	header := AsHeaderPage(hg.GetData())
	dirIdx := header.HashToDirectoryIndex(hash)
	dirPageID := header.GetDirectoryPageID(dirIdx)

	var ok bool
	if dirPageID == pagemanager.InvalidPageID {
		ok, err = ht.insertToNewDirectory(&hg, header, dirIdx, hash, key, value)
		hg.Drop()
	} else {
		hg.Drop()
		var dg memtable.WritePageGuard
		dg, err = ht.bpm.FetchPageWrite(dirPageID)
		if err != nil {
			return false, fmt.Errorf("fetch directory page %d: %w", dirPageID, err)
		}
		ok, err = ht.insertIntoDirectory(&dg, hash, key, value)
		dg.Drop()
	}
	if err == nil {
		ht.metrics.RecordOperation(context.Background(), "insert", ok)
	}
	return ok, err
}

// insertToNewDirectory is called with the header write latch held.
func (ht *DiskExtendibleHashTable[K, V]) insertToNewDirectory(hg *memtable.WritePageGuard, header HeaderPage, dirIdx, hash uint32, key K, value V) (bool, error) {
	basic, err := ht.bpm.NewPageGuarded()
	if err != nil {
		return false, fmt.Errorf("allocate directory page: %w", err)
	}
	dg := basic.UpgradeWrite()
	defer dg.Drop()
	AsDirectoryPage(dg.GetDataMut()).Init(ht.directoryMaxDepth)

	hg.MarkDirty()
	header.SetDirectoryPageID(dirIdx, dg.PageID())
	ht.logger.Debug("Created directory",
		zap.Uint32("directory_index", dirIdx),
		zap.Int32("page_id", int32(dg.PageID())))

	return ht.insertIntoDirectory(&dg, hash, key, value)
}

// insertIntoDirectory is called with the directory write latch held.
func (ht *DiskExtendibleHashTable[K, V]) insertIntoDirectory(dg *memtable.WritePageGuard, hash uint32, key K, value V) (bool, error) {
	dir := AsDirectoryPage(dg.GetData())
	bucketIdx := dir.HashToBucketIndex(hash)
	bucketPageID := dir.GetBucketPageID(bucketIdx)
	if bucketPageID == pagemanager.InvalidPageID {
		return ht.insertToNewBucket(dg, dir, bucketIdx, key, value)
	}

	bg, err := ht.bpm.FetchPageWrite(bucketPageID)
	if err != nil {
		return false, fmt.Errorf("fetch bucket page %d: %w", bucketPageID, err)
	}
	defer bg.Drop()
	bucket := ht.bucketView(bg.GetData())

	if _, found, err := bucket.Lookup(key); err != nil || found {
		return false, err
	}

	for bucket.IsFull() {
		localDepth := dir.GetLocalDepth(bucketIdx)
		if localDepth >= dir.MaxDepth() {
			ht.logger.Warn("Bucket cannot split further, directory at max depth",
				zap.Int32("bucket_page_id", int32(bg.PageID())),
				zap.Uint32("local_depth", localDepth))
			return false, nil
		}

		basic, err := ht.bpm.NewPageGuarded()
		if err != nil {
			return false, fmt.Errorf("allocate split bucket: %w", err)
		}
		ng := basic.UpgradeWrite()
		newBucket := ht.bucketView(ng.GetDataMut())
		newBucket.Init(ht.bucketMaxSize)

		dg.MarkDirty()
		if localDepth == dir.GlobalDepth() {
			dir.IncrGlobalDepth()
			ht.metrics.RecordDirectoryResize(context.Background(), "grow")
		}
		splitIdx := dir.GetSplitImageIndex(bucketIdx)
		dir.IncrLocalDepth(bucketIdx)
		dir.UpdateDirectoryMapping(splitIdx, ng.PageID(), localDepth+1)

		bg.MarkDirty()
		if err := ht.migrateEntries(bucket, newBucket, splitIdx, localDepth+1); err != nil {
			ng.Drop()
			return false, err
		}
		ht.metrics.RecordSplit(context.Background())
		ht.logger.Debug("Split bucket",
			zap.Int32("bucket_page_id", int32(bg.PageID())),
			zap.Int32("split_page_id", int32(ng.PageID())),
			zap.Uint32("local_depth", localDepth+1),
			zap.Uint32("global_depth", dir.GlobalDepth()),
			zap.Uint32("remaining", bucket.Size()),
			zap.Uint32("moved", newBucket.Size()))

		bucketIdx = dir.HashToBucketIndex(hash)
		if dir.GetBucketPageID(bucketIdx) == ng.PageID() {
			bg.Drop()
			bg = ng.Move()
			bucket = newBucket
		} else {
			ng.Drop()
		}
	}

	bg.MarkDirty()
	return bucket.Insert(key, value)
}

// insertToNewBucket fills an empty directory slot with a fresh bucket.
func (ht *DiskExtendibleHashTable[K, V]) insertToNewBucket(dg *memtable.WritePageGuard, dir DirectoryPage, bucketIdx uint32, key K, value V) (bool, error) {
	basic, err := ht.bpm.NewPageGuarded()
	if err != nil {
		return false, fmt.Errorf("allocate bucket page: %w", err)
	}
	bg := basic.UpgradeWrite()
	defer bg.Drop()
	bucket := ht.bucketView(bg.GetDataMut())
	bucket.Init(ht.bucketMaxSize)

	dg.MarkDirty()
	dir.UpdateDirectoryMapping(bucketIdx, bg.PageID(), dir.GetLocalDepth(bucketIdx))
	return bucket.Insert(key, value)
}

// migrateEntries moves every entry of from whose hash agrees with splitIdx on
// the low depth bits into to.
func (ht *DiskExtendibleHashTable[K, V]) migrateEntries(from, to BucketPage[K, V], splitIdx, depth uint32) error {
	mask := uint32(1)<<depth - 1
	target := splitIdx & mask
	for i := uint32(0); i < from.Size(); {
		k, err := from.KeyAt(i)
		if err != nil {
			return err
		}
		if ht.hashFn(k)&mask != target {
			i++
			continue
		}
		if !to.appendRaw(from.entry(i)) {
			return fmt.Errorf("%w: split image bucket overflow", flushmanager.ErrIndexFull)
		}
		from.RemoveAt(i)
	}
	return nil
}

// Remove deletes key. Emptied buckets are merged with their split image and
// the directory shrinks while every local depth is below the global depth.
func (ht *DiskExtendibleHashTable[K, V]) Remove(key K) (bool, error) {
	if err := ht.checkKey(key); err != nil {
		return false, err
	}
	hash := ht.hashFn(key)

	hg, err := ht.bpm.FetchPageRead(ht.headerPageID)
	if err != nil {
		return false, fmt.Errorf("fetch header page: %w", err)
	}
	header := AsHeaderPage(hg.GetData())
	dirPageID := header.GetDirectoryPageID(header.HashToDirectoryIndex(hash))
	hg.Drop()
	if dirPageID == pagemanager.InvalidPageID {
		ht.metrics.RecordOperation(context.Background(), "remove", false)
		return false, nil
	}

	dg, err := ht.bpm.FetchPageWrite(dirPageID)
	if err != nil {
		return false, fmt.Errorf("fetch directory page %d: %w", dirPageID, err)
	}
	defer dg.Drop()
	dir := AsDirectoryPage(dg.GetData())
	bucketIdx := dir.HashToBucketIndex(hash)
	bucketPageID := dir.GetBucketPageID(bucketIdx)
	if bucketPageID == pagemanager.InvalidPageID {
		ht.metrics.RecordOperation(context.Background(), "remove", false)
		return false, nil
	}

	bg, err := ht.bpm.FetchPageWrite(bucketPageID)
	if err != nil {
		return false, fmt.Errorf("fetch bucket page %d: %w", bucketPageID, err)
	}
	defer bg.Drop()
	bucket := ht.bucketView(bg.GetData())

	pos, err := bucket.indexOf(key)
	if err != nil {
		return false, err
	}
	if pos < 0 {
		ht.metrics.RecordOperation(context.Background(), "remove", false)
		return false, nil
	}
	bg.MarkDirty()
	bucket.RemoveAt(uint32(pos))
	ht.metrics.RecordOperation(context.Background(), "remove", true)

	ht.mergeBuckets(&dg, dir, &bg, bucket, bucketIdx)

	for dir.CanShrink() {
		dg.MarkDirty()
		dir.DecrGlobalDepth()
		ht.metrics.RecordDirectoryResize(context.Background(), "shrink")
		ht.logger.Debug("Shrunk directory", zap.Uint32("global_depth", dir.GlobalDepth()))
	}
	return true, nil
}

// mergeBuckets folds the bucket at bucketIdx into its image while either of the
// two is empty and both have the same local depth. The empty page is deleted.
// Called with the directory and bucket write latches held.
func (ht *DiskExtendibleHashTable[K, V]) mergeBuckets(dg *memtable.WritePageGuard, dir DirectoryPage, bg *memtable.WritePageGuard, bucket BucketPage[K, V], bucketIdx uint32) {
	for {
		localDepth := dir.GetLocalDepth(bucketIdx)
		if localDepth == 0 {
			return
		}
		imageIdx := dir.GetMergeImageIndex(bucketIdx)
		if dir.GetLocalDepth(imageIdx) != localDepth {
			return
		}
		imagePageID := dir.GetBucketPageID(imageIdx)
		if imagePageID == pagemanager.InvalidPageID || imagePageID == bg.PageID() {
			return
		}

		ig, err := ht.bpm.FetchPageWrite(imagePageID)
		if err != nil {
			ht.logger.Warn("Skipping bucket merge, image page unavailable",
				zap.Int32("image_page_id", int32(imagePageID)), zap.Error(err))
			return
		}
		image := ht.bucketView(ig.GetData())
		if !bucket.IsEmpty() && !image.IsEmpty() {
			ig.Drop()
			return
		}

		// Keep whichever bucket still has entries.
		deadPageID := imagePageID
		if bucket.IsEmpty() && !image.IsEmpty() {
			deadPageID = bg.PageID()
			bg.Drop()
			*bg = ig.Move()
			bucket = image
		} else {
			ig.Drop()
		}

		dg.MarkDirty()
		dir.UpdateDirectoryMapping(bucketIdx, bg.PageID(), localDepth-1)
		if !ht.bpm.DeletePage(deadPageID) {
			ht.logger.Warn("Merged bucket page still pinned, leaving it allocated",
				zap.Int32("page_id", int32(deadPageID)))
		}
		ht.metrics.RecordMerge(context.Background())
		ht.logger.Debug("Merged buckets",
			zap.Int32("survivor_page_id", int32(bg.PageID())),
			zap.Int32("deleted_page_id", int32(deadPageID)),
			zap.Uint32("local_depth", localDepth-1))
	}
}

// VerifyIntegrity checks every directory's depth invariants and that each
// stored key lives in the bucket its hash maps to.
func (ht *DiskExtendibleHashTable[K, V]) VerifyIntegrity() error {
	hg, err := ht.bpm.FetchPageRead(ht.headerPageID)
	if err != nil {
		return fmt.Errorf("fetch header page: %w", err)
	}
	defer hg.Drop()
	header := AsHeaderPage(hg.GetData())

	for i := uint32(0); i < header.MaxSize(); i++ {
		dirPageID := header.GetDirectoryPageID(i)
		if dirPageID == pagemanager.InvalidPageID {
			continue
		}
		if err := ht.verifyDirectory(header, i, dirPageID); err != nil {
			return fmt.Errorf("directory %d (page %d): %w", i, dirPageID, err)
		}
	}
	return nil
}

func (ht *DiskExtendibleHashTable[K, V]) verifyDirectory(header HeaderPage, dirIdx uint32, dirPageID pagemanager.PageID) error {
	dg, err := ht.bpm.FetchPageRead(dirPageID)
	if err != nil {
		return err
	}
	defer dg.Drop()
	dir := AsDirectoryPage(dg.GetData())
	if err := dir.VerifyIntegrity(); err != nil {
		return err
	}

	seen := make(map[pagemanager.PageID]bool)
	for i := uint32(0); i < dir.Size(); i++ {
		bucketPageID := dir.GetBucketPageID(i)
		if bucketPageID == pagemanager.InvalidPageID || seen[bucketPageID] {
			continue
		}
		seen[bucketPageID] = true
		if err := ht.verifyBucket(header, dir, dirIdx, i, bucketPageID); err != nil {
			return err
		}
	}
	return nil
}

func (ht *DiskExtendibleHashTable[K, V]) verifyBucket(header HeaderPage, dir DirectoryPage, dirIdx, bucketIdx uint32, bucketPageID pagemanager.PageID) error {
	bg, err := ht.bpm.FetchPageRead(bucketPageID)
	if err != nil {
		return err
	}
	defer bg.Drop()
	bucket := ht.bucketView(bg.GetData())
	if bucket.Size() > bucket.MaxSize() {
		return fmt.Errorf("%w: bucket page %d holds %d entries, max %d", flushmanager.ErrInvalidIndexLayout, bucketPageID, bucket.Size(), bucket.MaxSize())
	}
	mask := dir.GetLocalDepthMask(bucketIdx)
	for j := uint32(0); j < bucket.Size(); j++ {
		k, err := bucket.KeyAt(j)
		if err != nil {
			return err
		}
		h := ht.hashFn(k)
		if header.HashToDirectoryIndex(h) != dirIdx || h&mask != bucketIdx&mask {
			return fmt.Errorf("%w: bucket page %d holds entry %d with hash %#x outside its slot %d", flushmanager.ErrInvalidIndexLayout, bucketPageID, j, h, bucketIdx)
		}
	}
	return nil
}
