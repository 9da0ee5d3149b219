package flushmanager

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	pagemanager "github.com/sushant-115/ehashdb/core/write_engine/page_manager"
	"go.uber.org/zap"
)

// --- DiskManager ---

// DiskManager reads and writes fixed-size pages addressed by page id.
type DiskManager interface {
	ReadPage(pageID pagemanager.PageID, pageData []byte) error
	WritePage(pageID pagemanager.PageID, pageData []byte) error
	DeallocatePage(pageID pagemanager.PageID)
	// NumPages is the first page id that has never been written.
	NumPages() int32
	Sync() error
	Close() error
}

const (
	DBMagic          uint32 = 0x45484442 // "EHDB"
	dbFileVersion    uint32 = 1
	dbFileHeaderSize        = 32
	// FileHeaderPageID is reserved for the file header; data pages start after it.
	FileHeaderPageID pagemanager.PageID = 0
)

// DBFileHeader is stored at the start of page 0 of a database file.
// All fields have fixed sizes so binary.Read/Write round-trip them exactly.
type DBFileHeader struct {
	Magic           uint32
	Version         uint32
	PageSize        uint32
	IndexRootPageID pagemanager.PageID // Header page of the hash index, InvalidPageID until created
	_               [dbFileHeaderSize - 4*4]byte
}

// FileDiskManager stores pages in a single file, page N at offset N*pageSize.
type FileDiskManager struct {
	filePath string
	file     *os.File
	pageSize int
	numPages int32
	header   DBFileHeader
	mu       sync.Mutex
	logger   *zap.Logger

	numReads  atomic.Int64
	numWrites atomic.Int64
}

// NewFileDiskManager opens filePath, creating and initialising it when it does not exist.
// When create is false a missing file is an error.
func NewFileDiskManager(filePath string, create bool, logger *zap.Logger) (*FileDiskManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dm := &FileDiskManager{
		filePath: filePath,
		pageSize: pagemanager.PageSize,
		logger:   logger.Named("disk_manager"),
	}

	_, statErr := os.Stat(filePath)
	switch {
	case os.IsNotExist(statErr):
		if !create {
			return nil, fmt.Errorf("%w: %s", ErrDBFileNotFound, filePath)
		}
		file, err := os.OpenFile(filePath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0666)
		if err != nil {
			return nil, fmt.Errorf("%w: creating file %s: %v", ErrIO, filePath, err)
		}
		dm.file = file
		dm.header = DBFileHeader{
			Magic:           DBMagic,
			Version:         dbFileVersion,
			PageSize:        uint32(dm.pageSize),
			IndexRootPageID: pagemanager.InvalidPageID,
		}
		if err := dm.writeHeader(); err != nil {
			_ = file.Close()
			_ = os.Remove(filePath)
			return nil, fmt.Errorf("failed to write initial header: %w", err)
		}
		dm.numPages = 1
		dm.logger.Info("Created database file", zap.String("path", filePath))
	case statErr == nil:
		file, err := os.OpenFile(filePath, os.O_RDWR, 0666)
		if err != nil {
			return nil, fmt.Errorf("%w: opening file %s: %v", ErrIO, filePath, err)
		}
		dm.file = file
		if err := dm.readHeader(); err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("failed to read database header: %w", err)
		}
		if dm.header.Magic != DBMagic {
			_ = file.Close()
			return nil, fmt.Errorf("%w: magic number mismatch, expected 0x%x got 0x%x", ErrInvalidPageData, DBMagic, dm.header.Magic)
		}
		if dm.header.PageSize != uint32(dm.pageSize) {
			_ = file.Close()
			return nil, fmt.Errorf("%w: database file page size (%d) does not match configured page size (%d)", ErrInvalidPageData, dm.header.PageSize, dm.pageSize)
		}
		fi, err := file.Stat()
		if err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("%w: getting file info: %v", ErrIO, err)
		}
		dm.numPages = int32((fi.Size() + int64(dm.pageSize) - 1) / int64(dm.pageSize))
		dm.logger.Info("Opened database file",
			zap.String("path", filePath),
			zap.Int32("num_pages", dm.numPages),
			zap.Int32("index_root_page_id", int32(dm.header.IndexRootPageID)))
	default:
		return nil, fmt.Errorf("%w: stating file %s: %v", ErrIO, filePath, statErr)
	}
	return dm, nil
}

// writeHeader serializes the DBFileHeader into page 0. Caller holds dm.mu or owns dm exclusively.
func (dm *FileDiskManager) writeHeader() error {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, &dm.header); err != nil {
		return fmt.Errorf("%w: serializing header: %v", ErrSerialization, err)
	}
	page := make([]byte, dm.pageSize)
	copy(page, buf.Bytes())
	if _, err := dm.file.WriteAt(page, 0); err != nil {
		return fmt.Errorf("%w: writing header to disk: %v", ErrIO, err)
	}
	return dm.file.Sync()
}

func (dm *FileDiskManager) readHeader() error {
	data := make([]byte, dbFileHeaderSize)
	n, err := dm.file.ReadAt(data, 0)
	if n < dbFileHeaderSize {
		if err == nil || errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: database file is too small (header too short)", ErrInvalidPageData)
		}
		return fmt.Errorf("%w: reading header from disk: %v", ErrIO, err)
	}
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &dm.header); err != nil {
		return fmt.Errorf("%w: deserializing header: %v", ErrDeserialization, err)
	}
	return nil
}

// Header returns a copy of the file header.
func (dm *FileDiskManager) Header() DBFileHeader {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.header
}

// SetIndexRootPageID persists the hash index header page id in the file header.
func (dm *FileDiskManager) SetIndexRootPageID(pageID pagemanager.PageID) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return fmt.Errorf("%w: file not open", ErrIO)
	}
	dm.header.IndexRootPageID = pageID
	return dm.writeHeader()
}

// ReadPage reads a page's data from disk into the provided pageData buffer.
// Pages past the end of the file were allocated but never written and read back as zeroes.
func (dm *FileDiskManager) ReadPage(pageID pagemanager.PageID, pageData []byte) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return fmt.Errorf("%w: file not open", ErrIO)
	}
	if pageID <= FileHeaderPageID {
		return fmt.Errorf("%w: %d", ErrInvalidPageID, pageID)
	}
	if len(pageData) != dm.pageSize {
		return fmt.Errorf("page data buffer size (%d) != disk manager page size (%d)", len(pageData), dm.pageSize)
	}
	dm.numReads.Add(1)
	offset := int64(pageID) * int64(dm.pageSize)
	bytesRead, err := dm.file.ReadAt(pageData, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: reading page %d at offset %d: %v", ErrIO, pageID, offset, err)
	}
	if bytesRead < dm.pageSize {
		dm.logger.Debug("Read past end of file, zero-filling page",
			zap.Int32("page_id", int32(pageID)), zap.Int("bytes_read", bytesRead))
		clear(pageData[bytesRead:])
	}
	return nil
}

// WritePage writes pageData to disk at the specified pageID's location.
func (dm *FileDiskManager) WritePage(pageID pagemanager.PageID, pageData []byte) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return fmt.Errorf("%w: file not open", ErrIO)
	}
	if pageID <= FileHeaderPageID {
		return fmt.Errorf("%w: %d", ErrInvalidPageID, pageID)
	}
	if len(pageData) != dm.pageSize {
		return fmt.Errorf("page data buffer size (%d) != disk manager page size (%d)", len(pageData), dm.pageSize)
	}
	dm.numWrites.Add(1)
	offset := int64(pageID) * int64(dm.pageSize)
	if _, err := dm.file.WriteAt(pageData, offset); err != nil {
		return fmt.Errorf("%w: writing page %d at offset %d: %v", ErrIO, pageID, offset, err)
	}
	if int32(pageID) >= dm.numPages {
		dm.numPages = int32(pageID) + 1
	}
	// Writes are not synced individually. BufferPoolManager.FlushAllPages syncs.
	return nil
}

// DeallocatePage is a no-op: page ids are never reused and the file is not compacted.
func (dm *FileDiskManager) DeallocatePage(pageID pagemanager.PageID) {
	dm.logger.Debug("Deallocated page", zap.Int32("page_id", int32(pageID)))
}

func (dm *FileDiskManager) NumPages() int32 {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.numPages
}

// NumReads and NumWrites count page I/O issued against the file.
func (dm *FileDiskManager) NumReads() int64  { return dm.numReads.Load() }
func (dm *FileDiskManager) NumWrites() int64 { return dm.numWrites.Load() }

// Sync flushes all buffered data to disk.
func (dm *FileDiskManager) Sync() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file != nil {
		if err := dm.file.Sync(); err != nil {
			return fmt.Errorf("%w: sync: %v", ErrIO, err)
		}
	}
	return nil
}

// Close syncs and closes the underlying file handle.
func (dm *FileDiskManager) Close() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return nil
	}
	if err := dm.file.Sync(); err != nil {
		dm.logger.Error("Error syncing file on close", zap.Error(err))
	}
	closeErr := dm.file.Close()
	dm.file = nil
	return closeErr
}
