// Copyright 2017-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"os/user"
	"strconv"
	"syscall"

	"github.com/peterh/liner"
	"golang.org/x/sys/unix"

	"github.com/sandia-minimega/ninefs/internal/hostfs"
	"github.com/sandia-minimega/ninefs/internal/reactor"
	"github.com/sandia-minimega/ninefs/internal/srv"
	"github.com/sandia-minimega/ninefs/internal/tree"
	log "github.com/sandia-minimega/ninefs/pkg/ninelog"
	"github.com/sandia-minimega/ninefs/pkg/ninep"
)

var (
	f_debug      = flag.Bool("d", false, "enable debug logging")
	f_port       = flag.Int("p", 564, "TCP port to listen on")
	f_threads    = flag.Uint("w", 0, "worker thread count (accepted, ignored: ninefsd is single-threaded)")
	f_sameUser   = flag.Bool("s", false, "serve every attach as the invoking user, ignoring the wire uname")
	f_mmap       = flag.Bool("m", false, "use mmap for reads (accepted, ignored: hostfs always uses ReadAt)")
	f_root       = flag.String("root", ".", "host directory served as the tree root")
	f_interactive = flag.Bool("i", false, "start an interactive console")
	f_dotu       = flag.Bool("u", true, "advertise 9P2000.u support")
	f_msize      = flag.Uint("msize", ninep.DefaultMsize, "maximum negotiated message size")

	shutdown = make(chan os.Signal, 1)
)

const banner = `ninefsd: a 9P2000/9P2000.u file server`

func usage() {
	fmt.Println(banner)
	fmt.Println("usage: ninefsd [option]...")
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	log.Init()
	if *f_debug {
		log.SetLevel("stdio", log.DEBUG)
	}
	if *f_threads != 0 {
		log.Warn("ninefsd is single-threaded; -w %d is accepted but ignored", *f_threads)
	}
	if *f_mmap {
		log.Warn("-m is accepted but ignored: hostfs always serves reads via ReadAt")
	}

	fmt.Println(banner)

	backend := &hostfs.Backend{Root: *f_root}
	if *f_sameUser {
		u, err := user.Current()
		if err != nil {
			log.Fatal("resolve invoking user: %v", err)
		}
		uid, _ := strconv.Atoi(u.Uid)
		backend.User = &tree.User{Name: u.Username, Uid: uint32(uid)}
	} else {
		backend.User = &tree.User{Name: "none", Uid: 0}
	}

	fsTree, err := backend.NewTree()
	if err != nil {
		log.Fatal("building tree rooted at %s: %v", *f_root, err)
	}

	var resolve srv.ResolveUser
	if *f_sameUser {
		owner := backend.User
		resolve = func(uname string, nuname uint32) (*tree.User, error) { return owner, nil }
	} else {
		resolve = func(uname string, nuname uint32) (*tree.User, error) {
			return &tree.User{Name: uname, Uid: nuname}, nil
		}
	}

	server := srv.NewServer(fsTree, nil, resolve, uint32(*f_msize), *f_dotu)

	r, err := reactor.New()
	if err != nil {
		log.Fatal("creating reactor: %v", err)
	}
	defer r.Close()

	lnFd, err := listenFd(*f_port)
	if err != nil {
		log.Fatal("listen on port %d: %v", *f_port, err)
	}
	r.Register(lnFd, acceptHandler(r, server), nil)
	log.Info("listening on port %d, root %s", *f_port, *f_root)

	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	if *f_interactive {
		go runConsole(r)
	}

	go func() {
		<-shutdown
		log.Warn("caught signal, shutting down")
		r.Stop()
	}()

	if err := r.Loop(); err != nil {
		log.Fatal("reactor loop: %v", err)
	}
	unix.Close(lnFd)
}

// listenFd opens a non-blocking, listening TCP socket on port and returns
// its raw descriptor for direct reactor registration -- the Go analogue
// of the original's socket()/bind()/listen() sequence, since a
// reactor.Handle operates on fds, not net.Conn.
func listenFd(port int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET6, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, err
	}
	addr := &unix.SockaddrInet6{Port: port}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Listen(fd, 128); err != nil {
		unix.Close(fd)
		return -1, err
	}
	unix.SetNonblock(fd, true)
	return fd, nil
}

// acceptHandler returns the reactor.Notify for the listening socket: it
// drains every pending connection on each readiness event, wrapping each
// in a connWire and registering it with the same reactor.
func acceptHandler(r *reactor.Reactor, server *srv.Server) reactor.Notify {
	return func(h *reactor.Handle, flags reactor.Flags) {
		for {
			fd, _, err := unix.Accept(h.Fd())
			if err != nil {
				if err != unix.EAGAIN {
					log.Error("accept: %v", err)
				}
				return
			}
			unix.SetNonblock(fd, true)
			w := &connWire{conn: server.NewConnection(), reactor: r}
			w.handle = r.Register(fd, w.onReady, w)
			log.Debug("accepted connection on fd %d", fd)
		}
	}
}

// connWire binds one internal/srv.Connection to a raw reactor.Handle: it
// feeds read bytes in, drains replies out, and tracks the portion of an
// outbound frame not yet accepted by a single non-blocking write.
type connWire struct {
	conn    *srv.Connection
	handle  *reactor.Handle
	reactor *reactor.Reactor
	pending []byte
}

func (w *connWire) onReady(h *reactor.Handle, flags reactor.Flags) {
	if flags&reactor.Error != 0 {
		w.close(h)
		return
	}

	if h.CanRead() {
		buf := make([]byte, 64*1024)
		for {
			n, err := h.Read(buf)
			if err != nil {
				w.close(h)
				return
			}
			if n == 0 {
				break
			}
			w.conn.Feed(buf[:n])
			if n < len(buf) {
				break
			}
		}
		if w.conn.Closed() {
			w.close(h)
			return
		}
		for _, frame := range w.conn.Drain() {
			w.pending = append(w.pending, frame...)
		}
	}

	if len(w.pending) > 0 {
		n, err := h.Write(w.pending)
		if err != nil {
			w.close(h)
			return
		}
		w.pending = w.pending[n:]
	}
}

func (w *connWire) close(h *reactor.Handle) {
	w.conn.Close()
	w.reactor.Unregister(h)
	unix.Close(h.Fd())
}

func runConsole(r *reactor.Reactor) {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	for {
		cmd, err := line.Prompt("ninefsd> ")
		if err != nil {
			r.Stop()
			return
		}
		switch cmd {
		case "quit", "shutdown":
			r.Stop()
			return
		case "":
		default:
			fmt.Println("unknown command:", cmd)
		}
		line.AppendHistory(cmd)
	}
}
