package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "node", "ground":
		return groundTemplate, nil
	case "obc", "satellite":
		return obcTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const groundTemplate = `name = "ground"
address = 10

[buffers]
count = 32
size = 256

[identifier]
mode = "extended"
byte_order = "big"

[connections]
queue_length = 16
max = 32
idle_timeout = "30s"

[[interfaces]]
name = "UDP0"
kind = "udp"
listen = "127.0.0.1:9700"
peer = "127.0.0.1:9701"

[[routes]]
node = "default"
interface = "UDP0"

[services]
enabled = true
workers = 2

[admin]
addr = "127.0.0.1:9780"
cors_origins = ["http://localhost:3000"]

[trace]
path = ""
`

const obcTemplate = `name = "obc"
address = 1

[buffers]
count = 64
size = 256

[identifier]
mode = "extended"
byte_order = "big"

[connections]
queue_length = 16
max = 32

[[interfaces]]
name = "UDP0"
kind = "udp"
listen = "127.0.0.1:9701"
peer = "127.0.0.1:9700"

[[interfaces]]
name = "UART0"
kind = "serial"
device = "/dev/ttyUSB0"
baud = 115200

[[routes]]
node = "10"
interface = "UDP0"

[[routes]]
node = "default"
interface = "UART0"

[services]
enabled = true
workers = 2

[admin]
addr = ""

[trace]
path = "obc-trace.sqlite3"
`
