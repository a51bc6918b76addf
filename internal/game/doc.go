// Package game 實現伺服器權威的雙人 Pong 對局引擎。
//
// 客戶端只送出意圖（加入、準備、移動球拍、離開），球、球拍與比分的唯一真相在伺服器。
//
// # 對局生命週期
//
// Registry 管理所有對局，狀態只能單向前進：
//
//	waiting → ready → playing → finished → （保留期後移除）
//
//   - CreateSession：建立 waiting 對局，建立者成為 player1
//   - JoinSession：第二位玩家加入，進入 ready
//   - SetReady：雙方都準備好的瞬間進入 playing 並啟動迴圈
//   - ForceEnd：斷線、離開、配對失敗或關機時強制結束，可重複呼叫
//
// 每位玩家同時最多只屬於一場未結束的對局。
//
// # 對局迴圈
//
// 每場 playing 對局有自己的 goroutine，以固定週期（預設 60Hz）推進物理並推送完整狀態。
// 玩家指令與 tick 共用同一把 Session 鎖，指令在下一個 tick 前一定可見。
// 不同對局之間沒有共享的可變狀態。
//
// # 物理
//
// StepBall、ResetBall、MovePaddle 是純函式，速度以「60Hz 下每幀位移」為單位，
// 隨機來源可注入（見 Options.NewRand），測試可以重現每一次反彈與發球。
//
// # 配對
//
// Matchmaker 是嚴格先到先配的佇列，TryMatch 取出最早的兩位玩家並代為建立、加入對局。
//
// # 外部協作者
//
//   - Gateway：狀態與事件推送（WebSocket、NATS 轉發）
//   - Store：對局結果、玩家統計與歷史（記憶體、PostgreSQL、SQLite）
//   - Directory：玩家顯示名稱
package game
