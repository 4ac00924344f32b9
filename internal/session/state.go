// state.go — 会话状态机。
package session

// State 会话生命周期状态。
//
// 迁移路径: idle → subscribing → streaming → torn_down。
// streaming 中订阅正常结束回到 idle; torn_down 为终态。
type State string

const (
	// StateIdle 未订阅。初始态, 也是订阅正常结束后的归宿。
	StateIdle State = "idle"
	// StateSubscribing 正在建立订阅 (含历史回灌)。
	StateSubscribing State = "subscribing"
	// StateStreaming 订阅已建立, 消息持续到达。
	StateStreaming State = "streaming"
	// StateTornDown 已拆除。终态, 所有定时器与订阅均已取消。
	StateTornDown State = "torn_down"
)

// validTransition 返回状态迁移是否合法。
func validTransition(from, to State) bool {
	if from == StateTornDown {
		return false
	}
	switch to {
	case StateIdle:
		return from == StateStreaming || from == StateSubscribing
	case StateSubscribing:
		return from == StateIdle
	case StateStreaming:
		return from == StateSubscribing
	case StateTornDown:
		return true
	}
	return false
}
