package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sushant-115/ehashdb/core/indexmanager"
	flushmanager "github.com/sushant-115/ehashdb/core/write_engine/flush_manager"
	"go.uber.org/zap"
)

const (
	StatusOK       = "OK"
	StatusNotFound = "NOT_FOUND"
	StatusError    = "ERROR"
)

// Request represents a parsed client request.
type Request struct {
	Command string
	Key     string
	Value   string // Only for PUT
	Path    string // Only for BACKUP
}

// Response represents a server's reply to a client request.
type Response struct {
	Status  string
	Message string
}

func (r Response) String() string {
	if r.Message == "" {
		return r.Status + "\n"
	}
	return fmt.Sprintf("%s %s\n", r.Status, r.Message)
}

// server answers the line protocol against one hash index.
type server struct {
	st     *storage
	index  *indexmanager.HashIndexManager
	logger *zap.Logger
	conns  sync.WaitGroup

	// Index commands share dbLock; BACKUP holds it exclusively while the file is copied.
	dbLock sync.RWMutex
}

func newServer(st *storage, logger *zap.Logger) *server {
	return &server{st: st, index: st.index, logger: logger.Named("server")}
}

// parseRequest parses a raw string command into a Request struct.
func parseRequest(raw string) (Request, error) {
	parts := strings.Fields(raw)
	if len(parts) == 0 {
		return Request{}, errors.New("empty command")
	}

	command := strings.ToUpper(parts[0])
	req := Request{Command: command}

	switch command {
	case "PUT":
		if len(parts) < 3 {
			return Request{}, errors.New("PUT requires key and value")
		}
		req.Key = parts[1]
		req.Value = strings.Join(parts[2:], " ") // Value can contain spaces
	case "GET", "DELETE":
		if len(parts) != 2 {
			return Request{}, fmt.Errorf("%s requires a single key", command)
		}
		req.Key = parts[1]
	case "FLUSH", "STATS", "VERIFY":
		if len(parts) != 1 {
			return Request{}, fmt.Errorf("%s takes no arguments", command)
		}
	case "BACKUP":
		if len(parts) != 2 {
			return Request{}, errors.New("BACKUP requires a destination path")
		}
		req.Path = parts[1]
	default:
		return Request{}, fmt.Errorf("unknown command: %s", command)
	}
	return req, nil
}

// handleRequest runs a parsed Request against the index.
func (s *server) handleRequest(ctx context.Context, req Request) Response {
	if req.Command == "BACKUP" {
		s.dbLock.Lock()
		defer s.dbLock.Unlock()
		result, err := s.st.backup(ctx, req.Path)
		if err != nil {
			return Response{Status: StatusError, Message: fmt.Sprintf("BACKUP failed: %v", err)}
		}
		return Response{Status: StatusOK, Message: fmt.Sprintf("Backup written to %s (%d bytes, sha256 %x).",
			result.Path, result.Bytes, result.SHA256)}
	}

	s.dbLock.RLock()
	defer s.dbLock.RUnlock()
	switch req.Command {
	case "PUT":
		err := s.index.Put(ctx, req.Key, []byte(req.Value))
		if err != nil {
			return Response{Status: StatusError, Message: fmt.Sprintf("PUT failed: %v", err)}
		}
		return Response{Status: StatusOK, Message: "Key-value pair inserted."}
	case "GET":
		value, found, err := s.index.Get(ctx, req.Key)
		switch {
		case err != nil:
			return Response{Status: StatusError, Message: fmt.Sprintf("GET failed: %v", err)}
		case !found:
			return Response{Status: StatusNotFound, Message: fmt.Sprintf("Key %s not found.", req.Key)}
		}
		return Response{Status: StatusOK, Message: string(value)}
	case "DELETE":
		err := s.index.Delete(ctx, req.Key)
		if errors.Is(err, flushmanager.ErrKeyNotFound) {
			return Response{Status: StatusNotFound, Message: fmt.Sprintf("Key %s not found.", req.Key)}
		}
		if err != nil {
			return Response{Status: StatusError, Message: fmt.Sprintf("DELETE failed: %v", err)}
		}
		return Response{Status: StatusOK, Message: "Key deleted."}
	case "FLUSH":
		if err := s.index.Flush(ctx); err != nil {
			return Response{Status: StatusError, Message: fmt.Sprintf("FLUSH failed: %v", err)}
		}
		return Response{Status: StatusOK, Message: "All pages flushed."}
	case "VERIFY":
		if err := s.index.Verify(ctx); err != nil {
			return Response{Status: StatusError, Message: fmt.Sprintf("VERIFY failed: %v", err)}
		}
		return Response{Status: StatusOK, Message: "Index is consistent."}
	case "STATS":
		st := s.index.Stats()
		pool := st.BufferPool
		return Response{Status: StatusOK, Message: fmt.Sprintf(
			"index=%s header_page=%d pool=%d resident=%d pinned=%d dirty=%d free=%d hits=%d misses=%d evictions=%d oldest_dirty=%s",
			st.Name, st.HeaderPageID, pool.PoolSize, pool.ResidentPages, pool.PinnedPages, pool.DirtyPages,
			pool.FreeFrames, pool.Hits, pool.Misses, pool.Evictions, pool.OldestDirty.Round(time.Millisecond))}
	}
	return Response{Status: StatusError, Message: fmt.Sprintf("Unsupported command: %s", req.Command)}
}

// handleConnection manages a single client connection until EOF or ctx is done.
func (s *server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	logger := s.logger.With(zap.String("conn_id", uuid.NewString()), zap.String("remote", conn.RemoteAddr().String()))
	logger.Info("Client connected")

	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				logger.Info("Client disconnected")
			} else {
				logger.Error("Error reading from client", zap.Error(err))
			}
			return
		}

		rawCommand := strings.TrimSpace(line)
		if rawCommand == "" {
			continue
		}
		logger.Debug("Received command", zap.String("command", rawCommand))

		var resp Response
		req, err := parseRequest(rawCommand)
		if err != nil {
			resp = Response{Status: StatusError, Message: fmt.Sprintf("Invalid request: %v", err)}
		} else {
			resp = s.handleRequest(ctx, req)
		}
		if _, err := io.WriteString(conn, resp.String()); err != nil {
			logger.Error("Error writing response to client", zap.Error(err))
			return
		}
	}
}

// serve accepts connections until ctx is cancelled, then closes the open
// connections and waits for their handlers to return.
func (s *server) serve(ctx context.Context, listener net.Listener) error {
	go func() {
		<-ctx.Done()
		listener.Close() // unblocks Accept
	}()

	var mu sync.Mutex
	open := make(map[net.Conn]struct{})
	defer func() {
		mu.Lock()
		for conn := range open {
			conn.Close()
		}
		mu.Unlock()
		s.conns.Wait()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Error("Error accepting connection", zap.Error(err))
			continue
		}
		mu.Lock()
		open[conn] = struct{}{}
		mu.Unlock()

		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.handleConnection(ctx, conn)
			mu.Lock()
			delete(open, conn)
			mu.Unlock()
		}()
	}
}
