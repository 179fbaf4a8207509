package main

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/Comcast/gots/v2/packet"
)

const StreamPath = "/stream/"

// packets buffered per stream client
const streamQueueSize = 2048

// parse the pid query values of a stream request, a pid is listed once
func streamPids(r *http.Request) ([]int, error) {
	var pids []int
	seen := make(map[int]bool)
	for _, value := range r.URL.Query()["pid"] {
		for _, s := range strings.Split(value, ",") {
			pid, err := strconv.Atoi(strings.TrimSpace(s))
			if err != nil || pid < 0 || pid > 0x1fff {
				return nil, fmt.Errorf("invalid pid %q", s)
			}
			if seen[pid] {
				continue
			}
			seen[pid] = true
			pids = append(pids, pid)
		}
	}
	if len(pids) == 0 {
		return nil, fmt.Errorf("no pid requested")
	}
	return pids, nil
}

// streamHandler sends the live transport stream of the requested PIDs until
// the client goes away
func (s *Server) streamHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method is not supported.", http.StatusMethodNotAllowed)
		return
	}

	name := strings.Trim(r.URL.Path[len(StreamPath):], "/")
	t := s.tm.Tuner(name)
	if t == nil {
		http.Error(w, "404 not found.", http.StatusNotFound)
		return
	}

	pids, err := streamPids(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	pipe := newTsPipe(streamQueueSize)
	var added []int
	defer func() {
		for _, pid := range added {
			t.RemovePidFilter(pid, pipe)
		}
		if pipe.dropped > 0 {
			log.Warnf("stream of %s to %s dropped %d packets", name, r.RemoteAddr, pipe.dropped)
		}
	}()
	for _, pid := range pids {
		if err := t.AddPidFilter(pid, pipe); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		added = append(added, pid)
	}

	s.tm.Attach(t)
	defer s.tm.Detach(t)

	log.Printf("streaming %s pids %v to %s", name, pids, r.RemoteAddr)
	w.Header().Set("Content-Type", "video/mp2t")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	buf := make([]byte, 0, 64*packet.PacketSize)
	for {
		select {
		case <-r.Context().Done():
			log.Printf("stream of %s to %s closed", name, r.RemoteAddr)
			return
		case pkt := <-pipe.out:
			buf = append(buf[:0], pkt[:]...)
			// batch what is already queued
			for len(buf) < cap(buf) && len(pipe.out) > 0 {
				pkt = <-pipe.out
				buf = append(buf, pkt[:]...)
			}
			if _, err := w.Write(buf); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}
