package config

import (
	"fmt"
	"os"
)

// Template is a sample bench with a DUT and a diagnostic server sharing
// one CAN interface.
func Template() string { return benchTemplate }

func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(benchTemplate), 0o600)
}

const benchTemplate = `name = "bench"
listen = ":9400"

[connectors.can0]
type = "socketcan"
[connectors.can0.params]
interface = "can0"
fd = true

[flashers.jlink]
tool = "JLinkExe"
args = ["-CommandFile", "flash.jlink"]
timeout = "60s"

[auxiliaries.dut]
type = "dut"
connector = "can0"
flasher = "jlink"
[auxiliaries.dut.params]
ack_timeout = "2s"
ack_tries = 2

[auxiliaries.diag]
type = "uds"
connector = "can0"
[auxiliaries.diag.params]
request_id = 0x7E8
response_id = 0x7E0
odx_table = "ecu.yaml"

[auxiliaries.signals]
type = "can"
connector = "can0"
auto_start = false
[auxiliaries.signals.params]
database = "signals.toml"
`
