package machine

// callbacks 供 cli 或 gui 使用. 回调都在持有 M 的锁之外或之内同步调用, 不要在回调中调用 Start/Stop.
type callbacks struct {
	toggle []func(int) //1 开始处理包, 0 停止

	updated []func() //中继池, 策略集合 或 全局开关 发生了变更
}

func (m *M) AddToggleCallback(f func(int)) {
	m.toggle = append(m.toggle, f)
}

func (m *M) callToggleCallback(e int) {
	for _, f := range m.toggle {
		f(e)
	}
}

func (m *M) AddUpdatedCallback(f func()) {
	m.updated = append(m.updated, f)
}

func (m *M) callUpdatedCallback() {
	for _, f := range m.updated {
		f()
	}
}
