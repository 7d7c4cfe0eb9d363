package natt

import (
	"errors"
	"io"
	"net"

	"github.com/sirupsen/logrus"
)

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type staticInterfaces []Interface

func (s staticInterfaces) Interfaces() ([]Interface, error) {
	return s, nil
}

var lan = staticInterfaces{
	{Name: "lo", Host: "127.0.0.1"},
	{Name: "eth0", Host: "192.168.1.10"},
}

type fakeDiscovery struct {
	devices []*Device
	pos     int
	ended   int
}

func (d *fakeDiscovery) Next() (*Device, bool) {
	if d.pos >= len(d.devices) {
		return nil, false
	}
	dev := d.devices[d.pos]
	d.pos++
	return dev, true
}

func (d *fakeDiscovery) End() {
	d.ended++
}

// fakeClient 同步完成的客户端；async 为 true 时操作保持忙碌直到 complete
type fakeClient struct {
	devices     []*Device
	discoverErr error

	// 每个设备的行为
	serviceType map[*Device]string
	extAddr     map[*Device]net.IP
	openAccepts map[ForwardType]bool

	async   bool
	pending func()

	discoveries []*fakeDiscovery
	queries     int
	extRequests int
	opens       []ForwardType
	closes      int
}

func newFakeClient(devices ...*Device) *fakeClient {
	c := &fakeClient{
		devices:     devices,
		serviceType: make(map[*Device]string),
		extAddr:     make(map[*Device]net.IP),
		openAccepts: map[ForwardType]bool{ForwardTypeAny: true, ForwardTypeNone: true},
	}
	for _, dev := range devices {
		c.serviceType[dev] = "urn:schemas-upnp-org:service:WANIPConnection:1"
		c.extAddr[dev] = net.ParseIP("203.0.113.7")
	}
	return c
}

func (c *fakeClient) Discover() (Discovery, error) {
	if c.discoverErr != nil {
		return nil, c.discoverErr
	}
	d := &fakeDiscovery{devices: c.devices}
	c.discoveries = append(c.discoveries, d)
	return d, nil
}

func (c *fakeClient) run(dev *Device, fn func()) {
	if !c.async {
		fn()
		return
	}
	dev.SetBusy(true)
	c.pending = func() {
		fn()
		dev.SetBusy(false)
	}
}

// complete 完成挂起的异步操作
func (c *fakeClient) complete() {
	if c.pending != nil {
		fn := c.pending
		c.pending = nil
		fn()
	}
}

func (c *fakeClient) QueryDevice(dev *Device) bool {
	c.queries++
	c.run(dev, func() { dev.ServiceType = c.serviceType[dev] })
	return true
}

func (c *fakeClient) ExternalAddress(dev *Device) bool {
	c.extRequests++
	c.run(dev, func() { dev.ExtAddr = c.extAddr[dev] })
	return true
}

func (c *fakeClient) OpenPort(dev *Device, req *Request, fwd ForwardType) bool {
	c.opens = append(c.opens, fwd)
	c.run(dev, func() {
		req.Success = c.openAccepts[fwd]
		if req.Success && fwd == ForwardTypeAny {
			req.Port = 40000
		}
	})
	return true
}

func (c *fakeClient) ClosePort(dev *Device, req *Request) bool {
	c.closes++
	c.run(dev, func() {})
	return true
}

var errNoGateway = errors.New("no gateway")

func newDevice(desc, addr string) *Device {
	return &Device{Desc: desc, Addr: net.ParseIP(addr)}
}
