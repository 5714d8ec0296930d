// Package pager owns the memory-mapped page files backing the storage
// engine. It hands out fixed-size page slices addressed by 32-bit page
// IDs, grows the mapping on demand and tracks a free-page list so pages
// can be recycled without rewriting the file.
package pager

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

const (
	// PageSize is the fixed size of every page in bytes.
	PageSize = 4096

	// MaxPages bounds the index file at MaxPages * PageSize bytes.
	MaxPages = 1024

	// minFileSize is the initial provisioned size of both files.
	minFileSize = MaxPages * PageSize
)

var (
	ErrBadMagic   = errors.New("pager: bad file magic")
	ErrBadVersion = errors.New("pager: unsupported format version")
	ErrOutOfSpace = errors.New("pager: out of pages")
	ErrBadPageID  = errors.New("pager: page id out of range")
	ErrClosed     = errors.New("pager: closed")
)

// Pager maps an index file (and a provisioned data file) into memory and
// manages page allocation. A page slice returned by Page is valid only
// until the next Alloc: allocation may grow and remap the file, which
// invalidates every previously returned slice.
type Pager struct {
	idx *os.File
	dat *os.File

	idxMap []byte
	datMap []byte

	pageCount uint32 // logical end of the index file, in pages (page 0 included)
	freeList  uint32 // head of the free-page stack, 0 = empty
	dirty     bool
	closed    bool
}

// Open opens or creates "<path>.idx" and "<path>.dat", provisions both to
// at least minFileSize bytes, maps them read-write shared and reads (or
// initializes) the header page.
func Open(path string) (*Pager, error) {
	p := &Pager{}

	var err error
	p.idx, err = os.OpenFile(path+".idx", os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("pager: open index file: %w", err)
	}
	p.dat, err = os.OpenFile(path+".dat", os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		p.idx.Close()
		return nil, fmt.Errorf("pager: open data file: %w", err)
	}

	if p.idxMap, err = mapFile(p.idx); err != nil {
		p.release()
		return nil, fmt.Errorf("pager: map index file: %w", err)
	}
	if p.datMap, err = mapFile(p.dat); err != nil {
		p.release()
		return nil, fmt.Errorf("pager: map data file: %w", err)
	}

	h := header(p.idxMap[:PageSize])
	magic := h.magic()
	switch magic {
	case 0:
		// Fresh file: write the header and sync it down.
		h.init()
		p.pageCount = h.pageCount()
		p.freeList = h.freeList()
		p.dirty = true
		if err := p.idx.Sync(); err != nil {
			p.release()
			return nil, fmt.Errorf("pager: sync new header: %w", err)
		}
	case magicNumber:
		version := h.version()
		if version != formatVersion {
			p.release()
			return nil, fmt.Errorf("%w: %d", ErrBadVersion, version)
		}
		p.pageCount = h.pageCount()
		p.freeList = h.freeList()
	default:
		p.release()
		return nil, fmt.Errorf("%w: %#x", ErrBadMagic, magic)
	}

	return p, nil
}

// mapFile grows f to minFileSize if needed and maps it shared read-write.
func mapFile(f *os.File) ([]byte, error) {
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := st.Size()
	if size < minFileSize {
		if err := f.Truncate(minFileSize); err != nil {
			return nil, err
		}
		size = minFileSize
	}
	return syscall.Mmap(int(f.Fd()), 0, int(size),
		syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
}

// Close writes the live counters back into the header, syncs both
// mappings, unmaps and closes both files. Safe to call once on any
// successfully opened pager.
func (p *Pager) Close() error {
	if p.closed {
		return ErrClosed
	}
	p.closed = true

	if len(p.idxMap) >= PageSize {
		h := header(p.idxMap[:PageSize])
		h.setPageCount(p.pageCount)
		h.setFreeList(p.freeList)
	}

	var firstErr error
	if err := p.idx.Sync(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("pager: sync index file: %w", err)
	}
	if err := p.dat.Sync(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("pager: sync data file: %w", err)
	}
	if err := p.release(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// release unmaps and closes whatever Open managed to acquire.
func (p *Pager) release() error {
	var firstErr error
	if p.idxMap != nil {
		if err := syscall.Munmap(p.idxMap); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("pager: unmap index file: %w", err)
		}
		p.idxMap = nil
	}
	if p.datMap != nil {
		if err := syscall.Munmap(p.datMap); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("pager: unmap data file: %w", err)
		}
		p.datMap = nil
	}
	if p.idx != nil {
		if err := p.idx.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("pager: close index file: %w", err)
		}
		p.idx = nil
	}
	if p.dat != nil {
		if err := p.dat.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("pager: close data file: %w", err)
		}
		p.dat = nil
	}
	return firstErr
}

// ensureSpace grows the index mapping so that page id is addressable.
// Growth doubles the mapped size (at least), invalidating every page
// slice handed out before the call.
func (p *Pager) ensureSpace(id uint32) error {
	needed := (int64(id) + 1) * PageSize
	if needed <= int64(len(p.idxMap)) {
		return nil
	}

	newSize := int64(len(p.idxMap)) * 2
	if newSize < needed {
		newSize = needed
	}

	if err := syscall.Munmap(p.idxMap); err != nil {
		p.idxMap = nil
		return fmt.Errorf("pager: unmap for growth: %w", err)
	}
	p.idxMap = nil

	if err := p.idx.Truncate(newSize); err != nil {
		return fmt.Errorf("pager: grow index file: %w", err)
	}

	m, err := syscall.Mmap(int(p.idx.Fd()), 0, int(newSize),
		syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("pager: remap index file: %w", err)
	}
	p.idxMap = m
	return nil
}

// Page returns the mmap-backed slice for the given page. The slice is
// valid only until the next Alloc.
func (p *Pager) Page(id uint32) ([]byte, error) {
	if p.closed {
		return nil, ErrClosed
	}
	if id >= MaxPages {
		return nil, fmt.Errorf("%w: %d", ErrBadPageID, id)
	}
	if err := p.ensureSpace(id); err != nil {
		return nil, err
	}
	off := int64(id) * PageSize
	return p.idxMap[off : off+PageSize : off+PageSize], nil
}

// Alloc returns a zeroed page, reusing the free list before extending
// the file. Fails with ErrOutOfSpace once MaxPages is reached.
func (p *Pager) Alloc() (uint32, error) {
	if p.closed {
		return 0, ErrClosed
	}

	var id uint32
	if p.freeList != 0 {
		id = p.freeList
		page, err := p.Page(id)
		if err != nil {
			return 0, err
		}
		// The first 4 bytes of a free page hold the next free page ID.
		p.freeList = getU32(page, 0)
	} else {
		if p.pageCount >= MaxPages {
			return 0, ErrOutOfSpace
		}
		id = p.pageCount
		if err := p.ensureSpace(id); err != nil {
			return 0, err
		}
		p.pageCount++
	}

	page, err := p.Page(id)
	if err != nil {
		return 0, err
	}
	clear(page)
	p.dirty = true
	return id, nil
}

// Free pushes the page onto the free-page stack. The page must no longer
// be reachable from the tree.
func (p *Pager) Free(id uint32) error {
	page, err := p.Page(id)
	if err != nil {
		return err
	}
	clear(page)
	putU32(page, 0, p.freeList)
	p.freeList = id
	p.dirty = true
	return nil
}

// MarkDirty records that the mapping has pending modifications. The sync
// itself is deferred to Flush or Close.
func (p *Pager) MarkDirty() {
	p.dirty = true
}

// Flush syncs both mappings to disk if anything was marked dirty.
func (p *Pager) Flush() error {
	if p.closed {
		return ErrClosed
	}
	if !p.dirty {
		return nil
	}

	h := header(p.idxMap[:PageSize])
	h.setPageCount(p.pageCount)
	h.setFreeList(p.freeList)

	if err := p.idx.Sync(); err != nil {
		return fmt.Errorf("pager: sync index file: %w", err)
	}
	if err := p.dat.Sync(); err != nil {
		return fmt.Errorf("pager: sync data file: %w", err)
	}
	p.dirty = false
	return nil
}

// Root reads the root page ID from the header page. 0 means no root yet.
func (p *Pager) Root() uint32 {
	return header(p.idxMap[:PageSize]).root()
}

// SetRoot stores the root page ID in the header page.
func (p *Pager) SetRoot(id uint32) {
	header(p.idxMap[:PageSize]).setRoot(id)
	p.dirty = true
}

// PageCount reports the logical end of the index file in pages.
func (p *Pager) PageCount() uint32 { return p.pageCount }

// FreeList reports the current head of the free-page stack.
func (p *Pager) FreeList() uint32 { return p.freeList }
