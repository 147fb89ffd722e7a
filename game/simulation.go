package game

// 物理常量（与客户端共享，保证手感一致）
const (
	Gravity           = 800.0
	PlayerSpeed       = 200.0
	JumpSpeed         = 550.0
	ProjectileSpeed   = 400.0
	ProjectileLift    = -50.0
	ProjectileGravity = 200.0
	ProjectileDamage  = 25
	ProjectileMargin  = 50.0

	// 约 60Hz 下每 2 秒重新决定一次敌人行走方向
	EnemyRethinkTicks = 120
)

var (
	bossSpeeds  = []float64{-50, 0, 50}
	owletSpeeds = []float64{-100, -50, 0, 50, 100}
)

// Action 玩家输入动作
type Action string

const (
	ActionMoveLeft  Action = "move_left"
	ActionMoveRight Action = "move_right"
	ActionJump      Action = "jump"
	ActionShoot     Action = "shoot"
	ActionStopMove  Action = "stop_move"
)

// Valid 是否为已知动作
func (a Action) Valid() bool {
	switch a {
	case ActionMoveLeft, ActionMoveRight, ActionJump, ActionShoot, ActionStopMove:
		return true
	}
	return false
}

// SetInput 记录按键意图，在下一次 Step 生效。
// 射击按下时立即生成子弹，返回其 id。
func (w *World) SetInput(playerID string, action Action, pressed bool) (string, error) {
	in, ok := w.inputs[playerID]
	if !ok {
		return "", ErrUnknownPlayer
	}
	switch action {
	case ActionMoveLeft:
		in.left = pressed
		if pressed {
			in.right = false
		}
	case ActionMoveRight:
		in.right = pressed
		if pressed {
			in.left = false
		}
	case ActionStopMove:
		in.left, in.right = false, false
	case ActionJump:
		in.jump = pressed
	case ActionShoot:
		in.shoot = pressed
		w.players[playerID].IsShooting = pressed
		if pressed {
			proj, err := w.Shoot(playerID)
			if err != nil {
				return "", err
			}
			return proj.ProjectileID, nil
		}
	default:
		return "", ErrUnknownAction
	}
	return "", nil
}

// Shoot 从玩家当前位置朝面向方向发射子弹，权威归发射者
func (w *World) Shoot(playerID string) (*ProjectileState, error) {
	p, ok := w.players[playerID]
	if !ok {
		return nil, ErrUnknownPlayer
	}
	dir := 1.0
	if !p.FacingRight {
		dir = -1
	}
	proj := &ProjectileState{
		ProjectileID: w.newID(),
		X:            p.X,
		Y:            p.Y,
		VelocityX:    dir * ProjectileSpeed,
		VelocityY:    ProjectileLift,
		OwnerID:      playerID,
		Damage:       ProjectileDamage,
	}
	w.projectiles[proj.ProjectileID] = proj
	w.authority[proj.ProjectileID] = playerID
	w.log.Debugf("projectile %s created, authority=%s", proj.ProjectileID, playerID)
	return proj, nil
}

// Step 按实际经过的 dt（秒）推进世界：玩家 → 敌人 → 子弹 → 移动平台。
// dt 非固定步长，因此不同帧率下轨迹不完全相同。
func (w *World) Step(dt float64) {
	w.Tick++

	for _, id := range sortedKeys(w.players) {
		w.stepPlayer(w.players[id], dt)
	}
	for _, id := range sortedKeys(w.enemies) {
		w.stepEnemy(w.enemies[id], dt)
	}

	var expired []string
	for id, proj := range w.projectiles {
		w.stepProjectile(proj, dt)
		if w.outOfBounds(proj) {
			expired = append(expired, id)
		}
	}
	// 迭代结束后再删除
	for _, id := range expired {
		w.removeProjectile(id)
	}

	for _, p := range w.platforms {
		if p.Kind == PlatformMoving {
			stepPlatform(p, dt)
		}
	}
}

func (w *World) stepPlayer(p *PlayerState, dt float64) {
	in := w.inputs[p.PlayerID]
	if in == nil {
		in = &inputState{}
	}

	switch {
	case in.left:
		p.VelocityX = -PlayerSpeed
		p.FacingRight = false
	case in.right:
		p.VelocityX = PlayerSpeed
		p.FacingRight = true
	default:
		p.VelocityX = 0
	}

	if in.jump && p.IsGrounded {
		p.VelocityY = -JumpSpeed
		p.IsGrounded = false
		p.IsJumping = true
	}

	if !p.IsGrounded {
		p.VelocityY += Gravity * dt
	}

	p.X += p.VelocityX * dt
	p.Y += p.VelocityY * dt

	if p.Y >= w.GroundY {
		p.Y = w.GroundY
		p.VelocityY = 0
		p.IsGrounded = true
		p.IsJumping = false
	}
	w.clampPlayer(p)
}

func (w *World) stepEnemy(e *EnemyState, dt float64) {
	holder, _ := w.ResolveAuthority(e.EnemyID, e.X, e.Y)
	if holder == "" {
		// 没有玩家时敌人冻结
		return
	}

	if w.Tick%EnemyRethinkTicks == 0 {
		speeds := owletSpeeds
		if e.IsBoss() {
			speeds = bossSpeeds
		}
		e.VelocityX = speeds[w.rng.IntN(len(speeds))]
		e.FacingRight = e.VelocityX >= 0
	}

	e.VelocityY += Gravity * dt
	e.X += e.VelocityX * dt
	e.Y += e.VelocityY * dt

	if e.Y >= w.GroundY {
		e.Y = w.GroundY
		e.VelocityY = 0
	}

	left, right := w.LeftBoundary+BoundaryInset, w.Width-BoundaryInset
	switch {
	case e.X <= left:
		e.X = left
		e.VelocityX = abs(e.VelocityX)
		e.FacingRight = true
	case e.X >= right:
		e.X = right
		e.VelocityX = -abs(e.VelocityX)
		e.FacingRight = false
	}
}

func (w *World) stepProjectile(p *ProjectileState, dt float64) {
	p.X += p.VelocityX * dt
	p.Y += p.VelocityY * dt
	p.VelocityY += ProjectileGravity * dt
}

func (w *World) outOfBounds(p *ProjectileState) bool {
	return p.X < w.LeftBoundary-ProjectileMargin ||
		p.X > w.Width+ProjectileMargin ||
		p.Y < -ProjectileMargin ||
		p.Y > w.Height+ProjectileMargin
}

func stepPlatform(p *Platform, dt float64) {
	p.Y += p.Speed * float64(p.Direction) * dt
	if p.Y <= p.MinY {
		p.Y = p.MinY
		p.Direction = 1
	} else if p.Y >= p.MaxY {
		p.Y = p.MaxY
		p.Direction = -1
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
