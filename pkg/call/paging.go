package call

import (
	"fmt"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/arzzra/soft_pbx/pkg/rtp_relay"
)

// openZoneLegs добавляет по fan-out стороне на каждое устройство зоны.
// Недоступное устройство прерывает установление звонка.
func (c *Core) openZoneLegs(call *Call) error {
	if c.devices == nil {
		return fmt.Errorf("справочник устройств оповещения не задан")
	}
	devices, err := c.devices.GetDACDevices()
	if err != nil {
		return fmt.Errorf("справочник устройств оповещения: %w", err)
	}
	if len(devices) == 0 {
		call.logger.Warn("в зоне оповещения нет устройств")
		return nil
	}

	for _, d := range devices {
		addr, err := rtp_relay.ResolveAddr(d.IP, d.Port)
		if err != nil {
			c.closeZoneLegs(call)
			return fmt.Errorf("устройство %s: %w", d.ID, err)
		}
		if err := call.relay.AddFanoutLeg(d.ID, addr); err != nil {
			c.closeZoneLegs(call)
			return fmt.Errorf("устройство %s: %w", d.ID, err)
		}
		call.logger.WithFields(logrus.Fields{"device": d.ID, "uri": d.SIPURI}).Debug("устройство зоны подключено")
	}
	c.records.addMetadata(call.id, "paging_devices", strconv.Itoa(len(devices)))
	return nil
}

// closeZoneLegs отключает устройства зоны от реле
func (c *Core) closeZoneLegs(call *Call) {
	if call.relay == nil {
		return
	}
	for _, id := range call.relay.FanoutLegs() {
		call.relay.RemoveFanoutLeg(id)
		call.logger.WithField("device", id).Debug("устройство зоны отключено")
	}
}
