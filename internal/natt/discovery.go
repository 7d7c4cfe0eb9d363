package natt

// discoveryDriver 设备发现驱动，保存枚举游标与当前设备
//
// 每个任务持有自己的驱动实例，不同协商之间不共享游标。
type discoveryDriver struct {
	client  Client
	session Discovery
	device  *Device
}

// start 开始发现
func (d *discoveryDriver) start() error {
	session, err := d.client.Discover()
	if err != nil {
		return err
	}
	d.session = session
	d.device = nil
	return nil
}

// next 前进到下一个设备，枚举结束时返回 false
func (d *discoveryDriver) next() bool {
	if d.session == nil {
		return false
	}
	dev, ok := d.session.Next()
	if !ok {
		return false
	}
	d.device = dev
	return true
}

// ready 当前设备是否已有描述
func (d *discoveryDriver) ready() bool {
	return d.device != nil && d.device.Desc != ""
}

// end 结束发现，可重复调用
func (d *discoveryDriver) end() {
	if d.session == nil {
		return
	}
	d.session.End()
	d.session = nil
}
