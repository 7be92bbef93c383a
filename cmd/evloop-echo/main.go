package main

import (
	"encoding/binary"
	"flag"
	"net"
	"runtime"
	"syscall"

	"github.com/vincentwuo/evloop"
	"github.com/vincentwuo/evloop/pkg/bytepool"
	"github.com/vincentwuo/evloop/pkg/concurrent"
	"github.com/vincentwuo/evloop/pkg/lb"
	"github.com/vincentwuo/evloop/pkg/util"

	"github.com/libp2p/go-reuseport"
	csmap "github.com/mhmtszr/concurrent-swiss-map"
	"github.com/spf13/viper"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"
)

const (
	bufferSize = 1024 * 32

	// notify frame asking a worker to break out of its loop
	shutdownSentinel = 0xffffffff
)

type config struct {
	WorkerNum       int
	BindAddr        string
	AcceptRate      int
	ConcurrentLimit int64
}

var (
	bindAddr        = flag.String("bind", "127.0.0.1:8890", "addr to accept connections on. Example: 0.0.0.0:8890")
	workerNum       = flag.Int("n", 0, "the number of worker loops. default 0 will set it to the number of CPU cores")
	acceptRate      = flag.Int("arate", 0, "accepted connections per second. '0' means no limit")
	concurrentLimit = flag.Int64("c", 0, "concurrent connection limit. '0' means no limit")
	configFileDir   = flag.String("f", "", "config file dir.")
)

// worker owns one event loop on its own goroutine. The acceptor hands it
// new fds through a datagram socketpair; the peer address travels through
// the concurrent map, which is the only structure both goroutines touch.
type worker struct {
	id      int
	base    *evloop.Base
	notifyR int
	notifyW int

	notifyEv evloop.Event
	pending  *csmap.CsMap[int, string]
	conns    map[int]*conn

	pool    *bytepool.Pool
	limiter *concurrent.AtomicLimiter
}

type conn struct {
	fd   int
	addr string
	ev   evloop.Event
}

func newWorker(id int, limiter *concurrent.AtomicLimiter) (*worker, error) {
	base, err := evloop.New()
	if err != nil {
		return nil, err
	}
	pair, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		return nil, err
	}
	unix.SetNonblock(pair[0], true)
	unix.SetNonblock(pair[1], true)

	w := &worker{
		id:      id,
		base:    base,
		notifyR: pair[0],
		notifyW: pair[1],
		pending: csmap.Create[int, string](),
		conns:   make(map[int]*conn),
		pool:    bytepool.New(bufferSize),
		limiter: limiter,
	}
	w.notifyEv.Assign(w.notifyR, evloop.EvRead|evloop.EvPersist, w.onNotify, nil)
	if err := w.notifyEv.SetBase(base); err != nil {
		return nil, err
	}
	if err := w.notifyEv.Add(); err != nil {
		return nil, err
	}
	return w, nil
}

// enqueue hands an accepted fd to this worker. Runs on the acceptor
// goroutine.
func (w *worker) enqueue(fd int, addr string) {
	w.pending.Store(fd, addr)
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(fd))
	unix.Write(w.notifyW, b[:])
}

// shutdown asks the worker loop to break. Runs on the acceptor goroutine.
func (w *worker) shutdown() {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], shutdownSentinel)
	unix.Write(w.notifyW, b[:])
}

func (w *worker) onNotify(fd int, _ evloop.EventMask, _ any) {
	var b [4]byte
	for {
		n, err := unix.Read(fd, b[:])
		if n < 4 || err != nil {
			return
		}
		v := binary.LittleEndian.Uint32(b[:])
		if v == shutdownSentinel {
			w.base.LoopBreak()
			return
		}
		w.attach(int(v))
	}
}

func (w *worker) attach(fd int) {
	addr, _ := w.pending.Load(fd)
	w.pending.Delete(fd)

	c := &conn{fd: fd, addr: addr}
	c.ev.Assign(fd, evloop.EvRead|evloop.EvPersist, w.onData, c)
	if err := c.ev.SetBase(w.base); err != nil {
		w.drop(fd)
		return
	}
	if err := c.ev.Add(); err != nil {
		util.Logger().Sugar().Warn("worker ", w.id, " add conn: ", err)
		w.drop(fd)
		return
	}
	w.conns[fd] = c
	util.Logger().Sugar().Debug("worker ", w.id, " accepted ", addr)
}

func (w *worker) drop(fd int) {
	unix.Close(fd)
	w.limiter.Release()
}

func (w *worker) onData(fd int, what evloop.EventMask, arg any) {
	c := arg.(*conn)
	buf := w.pool.Get()
	defer w.pool.Put(buf)

	n, err := unix.Read(fd, *buf)
	if n <= 0 {
		if err == unix.EAGAIN {
			return
		}
		w.closeConn(c)
		return
	}
	// best-effort echo; a short write drops the tail
	unix.Write(fd, (*buf)[:n])
}

func (w *worker) closeConn(c *conn) {
	c.ev.Del()
	delete(w.conns, c.fd)
	w.drop(c.fd)
	util.Logger().Sugar().Debug("worker ", w.id, " closed ", c.addr)
}

func (w *worker) run() {
	if err := w.base.Dispatch(); err != nil {
		util.Logger().Sugar().Warn("worker ", w.id, " loop: ", err)
	}
	for _, c := range w.conns {
		c.ev.Del()
		w.drop(c.fd)
	}
	w.base.Free()
}

func main() {
	flag.Parse()

	cfg := config{
		WorkerNum:       *workerNum,
		BindAddr:        *bindAddr,
		AcceptRate:      *acceptRate,
		ConcurrentLimit: *concurrentLimit,
	}
	if *configFileDir != "" {
		viper.SetConfigFile(*configFileDir)
		if err := viper.ReadInConfig(); err != nil {
			util.Logger().Fatal("read config file error: " + err.Error())
		}
		if err := viper.Unmarshal(&cfg); err != nil {
			util.Logger().Fatal("unmarshal config file error: " + err.Error())
		}
	}
	if cfg.WorkerNum <= 0 {
		cfg.WorkerNum = runtime.NumCPU()
	}

	limiter := concurrent.NewAtomicLimiter(cfg.ConcurrentLimit)

	workers := make([]*worker, cfg.WorkerNum)
	for i := range workers {
		w, err := newWorker(i, limiter)
		if err != nil {
			util.Logger().Fatal("create worker error: " + err.Error())
		}
		workers[i] = w
		go w.run()
	}

	picker, err := lb.NewHash(cfg.WorkerNum)
	if err != nil {
		util.Logger().Fatal(err.Error())
	}

	var accLimiter *rate.Limiter
	if cfg.AcceptRate > 0 {
		accLimiter = rate.NewLimiter(rate.Limit(cfg.AcceptRate), cfg.AcceptRate)
	}

	ln, err := reuseport.Listen("tcp", cfg.BindAddr)
	if err != nil {
		util.Logger().Fatal("listen error: " + err.Error())
	}
	// without the os.File the descriptor may be closed by the finalizer
	lnFile, err := ln.(*net.TCPListener).File()
	if err != nil {
		util.Logger().Fatal("listener file error: " + err.Error())
	}
	lfd := int(lnFile.Fd())
	syscall.SetNonblock(lfd, true)

	base, err := evloop.New()
	if err != nil {
		util.Logger().Fatal("create loop error: " + err.Error())
	}

	var acceptEv evloop.Event
	acceptEv.Assign(lfd, evloop.EvRead|evloop.EvPersist, func(fd int, _ evloop.EventMask, _ any) {
		for {
			nfd, sa, err := syscall.Accept(fd)
			if err != nil {
				return
			}
			syscall.SetNonblock(nfd, true)
			if accLimiter != nil && !accLimiter.Allow() {
				syscall.Close(nfd)
				continue
			}
			if ok, _ := limiter.Acquire(); !ok {
				syscall.Close(nfd)
				continue
			}
			addr := ""
			if a := util.SockaddrToTCPOrUnixAddr(sa); a != nil {
				addr = a.String()
			}
			workers[picker.Pick(addr)].enqueue(nfd, addr)
		}
	}, nil)
	acceptEv.SetBase(base)
	if err := acceptEv.Add(); err != nil {
		util.Logger().Fatal("add acceptor error: " + err.Error())
	}

	onSignal := func(sig int, _ evloop.EventMask, _ any) {
		util.Logger().Sugar().Info("signal ", sig, ", shutting down")
		for _, w := range workers {
			w.shutdown()
		}
		base.LoopBreak()
	}
	var intEv, termEv evloop.Event
	intEv.Assign(int(syscall.SIGINT), evloop.EvSignal|evloop.EvPersist, onSignal, nil)
	intEv.SetBase(base)
	intEv.Add()
	termEv.Assign(int(syscall.SIGTERM), evloop.EvSignal|evloop.EvPersist, onSignal, nil)
	termEv.SetBase(base)
	termEv.Add()

	util.Logger().Sugar().Info("evloop-echo on ", cfg.BindAddr, " with ", cfg.WorkerNum,
		" workers, backend ", base.Method())

	if err := base.Dispatch(); err != nil {
		util.Logger().Sugar().Warn("acceptor loop: ", err)
	}

	ln.Close()
	lnFile.Close()
	base.Free()
	util.Logger().Sugar().Info("evloop-echo stopped")
}
