//go:build linux

package sensor

import (
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// i2cSlave is the I2C_SLAVE ioctl request from <linux/i2c-dev.h>;
// golang.org/x/sys/unix does not export it.
const i2cSlave = 0x0703

// linuxBus drives an i2c-dev adapter (/dev/i2c-N) with plain read/write
// after binding the slave address. Combined transactions are serialized
// under a mutex; the kernel keeps each write and read atomic on the wire.
type linuxBus struct {
	mu    sync.Mutex
	f     *os.File
	bound uint16 // currently bound slave address, 0 if none
}

// OpenBus opens an i2c-dev adapter such as /dev/i2c-1.
func OpenBus(path string) (Bus, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("sensor: open i2c bus %s: %w", path, err)
	}
	return &linuxBus{f: f}, nil
}

func (b *linuxBus) Tx(addr uint16, w, r []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.bound != addr {
		if err := unix.IoctlSetInt(int(b.f.Fd()), i2cSlave, int(addr)); err != nil {
			return fmt.Errorf("sensor: bind i2c slave 0x%02X: %w", addr, err)
		}
		b.bound = addr
	}
	if len(w) > 0 {
		if _, err := b.f.Write(w); err != nil {
			return fmt.Errorf("sensor: i2c write: %w", err)
		}
	}
	if len(r) > 0 {
		if _, err := io.ReadFull(b.f, r); err != nil {
			return fmt.Errorf("sensor: i2c read: %w", err)
		}
	}
	return nil
}

func (b *linuxBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.f.Close()
}
