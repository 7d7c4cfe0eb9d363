package natt

// Client 发现与映射客户端
//
// 除 Discover 外，设备操作都是非阻塞的：成功发起时设置设备的忙碌标志并返回 true，
// 操作完成后清除忙碌标志。操作结果通过设备字段或 Request.Success 传递。
type Client interface {
	// Discover 开始一次设备发现
	Discover() (Discovery, error)

	// QueryDevice 查询设备能力，完成后填写 ServiceType
	QueryDevice(dev *Device) bool

	// ExternalAddress 请求设备的外部地址，完成后填写 ExtAddr
	ExternalAddress(dev *Device) bool

	// OpenPort 请求端口映射，完成后填写 req.Success 与 req.Port
	OpenPort(dev *Device, req *Request, fwd ForwardType) bool

	// ClosePort 删除端口映射
	ClosePort(dev *Device, req *Request) bool
}

// Discovery 设备枚举游标
type Discovery interface {
	// Next 返回下一个设备；枚举结束时返回 false。
	// 返回描述为空的设备表示暂无可用设备，调用方应在下次轮询重试。
	Next() (*Device, bool)

	// End 结束发现，可重复调用
	End()
}

// Interface 主机网络接口
type Interface struct {
	Name string
	Host string
}

// InterfaceLister 枚举主机网络接口
type InterfaceLister interface {
	Interfaces() ([]Interface, error)
}
