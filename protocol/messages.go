// Package protocol defines the JSON wire vocabulary shared by the hub and
// its clients. Every frame is a single JSON object with a "type"
// discriminator; Decode returns the matching concrete message so callers
// can switch over message kinds exhaustively instead of poking at raw maps.
package protocol

// Point is a single 2D canvas coordinate.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// OpKind discriminates the entries of the operation log.
type OpKind string

const (
	OpStroke OpKind = "stroke"
	OpClear  OpKind = "clear"
	// OpUndoMarker stays in the wire enum for older clients; the hub
	// removes undone entries physically and never appends a marker.
	OpUndoMarker OpKind = "undo-marker"
)

// Operation is one versioned entry of the shared log. Version and
// CreatedAt are zero until the log appends it; after that the value is
// immutable.
type Operation struct {
	ID        string  `json:"operationId"`
	Kind      OpKind  `json:"kind"`
	AuthorID  string  `json:"authorId"`
	Points    []Point `json:"points,omitempty"`
	Color     string  `json:"color,omitempty"`
	Width     float64 `json:"width,omitempty"`
	Version   uint64  `json:"version,omitempty"`
	CreatedAt int64   `json:"createdAt,omitempty"`
	TargetID  string  `json:"targetOperationId,omitempty"`
}

// Participant is the registry's view of one connected user.
type Participant struct {
	ID     string `json:"id"`
	Color  string `json:"color"`
	Cursor Point  `json:"cursor"`
}

// Type is the wire discriminator of a message.
type Type string

const (
	// client -> server
	TypeDraw       Type = "draw"
	TypeCursorMove Type = "cursor-move"
	TypeClear      Type = "clear"
	TypeUndo       Type = "undo"
	TypePing       Type = "ping"

	// server -> client
	TypeWelcome          Type = "welcome"
	TypeHistory          Type = "history"
	TypeOperation        Type = "operation"
	TypeOperationRemoved Type = "operation-removed"
	TypeUserJoined       Type = "user-joined"
	TypeUserLeft         Type = "user-left"
	TypeCursorUpdate     Type = "cursor-update"
	TypePong             Type = "pong"
)

// Message is implemented by every wire frame.
type Message interface {
	MessageType() Type
}

// Draw carries one finished stroke from a client. The author is always
// attributed from the connection, never from the payload.
type Draw struct {
	Type        Type    `json:"type"`
	OperationID string  `json:"operationId"`
	Tool        string  `json:"tool,omitempty"`
	Path        []Point `json:"path"`
	Color       string  `json:"color,omitempty"`
	BrushSize   float64 `json:"brushSize,omitempty"`
	Timestamp   int64   `json:"timestamp,omitempty"`
}

func (m *Draw) MessageType() Type { return TypeDraw }

type CursorMove struct {
	Type Type    `json:"type"`
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
}

func (m *CursorMove) MessageType() Type { return TypeCursorMove }

type Clear struct {
	Type Type `json:"type"`
}

func (m *Clear) MessageType() Type { return TypeClear }

type Undo struct {
	Type Type `json:"type"`
}

func (m *Undo) MessageType() Type { return TypeUndo }

// Ping doubles as a liveness probe and an RTT sample; the hub echoes the
// timestamp back untouched in a Pong.
type Ping struct {
	Type      Type  `json:"type"`
	Timestamp int64 `json:"timestamp"`
}

func (m *Ping) MessageType() Type { return TypePing }

type Welcome struct {
	Type   Type          `json:"type"`
	UserID string        `json:"userId"`
	Color  string        `json:"color"`
	Users  []Participant `json:"users"`
}

func (m *Welcome) MessageType() Type { return TypeWelcome }

type History struct {
	Type       Type        `json:"type"`
	Operations []Operation `json:"operations"`
}

func (m *History) MessageType() Type { return TypeHistory }

// OperationBroadcast fans a freshly appended, version-stamped operation
// out to peers. The operation's fields are inlined next to "type".
type OperationBroadcast struct {
	Type Type `json:"type"`
	Operation
}

func (m *OperationBroadcast) MessageType() Type { return TypeOperation }

type OperationRemoved struct {
	Type        Type   `json:"type"`
	OperationID string `json:"operationId"`
}

func (m *OperationRemoved) MessageType() Type { return TypeOperationRemoved }

type UserJoined struct {
	Type   Type   `json:"type"`
	UserID string `json:"userId"`
	Color  string `json:"color"`
}

func (m *UserJoined) MessageType() Type { return TypeUserJoined }

type UserLeft struct {
	Type   Type   `json:"type"`
	UserID string `json:"userId"`
}

func (m *UserLeft) MessageType() Type { return TypeUserLeft }

type CursorUpdate struct {
	Type   Type   `json:"type"`
	UserID string `json:"userId"`
	Cursor Point  `json:"cursor"`
}

func (m *CursorUpdate) MessageType() Type { return TypeCursorUpdate }

type Pong struct {
	Type      Type  `json:"type"`
	Timestamp int64 `json:"timestamp"`
}

func (m *Pong) MessageType() Type { return TypePong }

func NewDraw(opID string, path []Point, color string, brush float64, ts int64) *Draw {
	return &Draw{Type: TypeDraw, OperationID: opID, Tool: "brush", Path: path, Color: color, BrushSize: brush, Timestamp: ts}
}

func NewCursorMove(x, y float64) *CursorMove { return &CursorMove{Type: TypeCursorMove, X: x, Y: y} }

func NewClear() *Clear { return &Clear{Type: TypeClear} }

func NewUndo() *Undo { return &Undo{Type: TypeUndo} }

func NewPing(ts int64) *Ping { return &Ping{Type: TypePing, Timestamp: ts} }

func NewWelcome(userID, color string, users []Participant) *Welcome {
	return &Welcome{Type: TypeWelcome, UserID: userID, Color: color, Users: users}
}

func NewHistory(ops []Operation) *History { return &History{Type: TypeHistory, Operations: ops} }

func NewOperationBroadcast(op Operation) *OperationBroadcast {
	return &OperationBroadcast{Type: TypeOperation, Operation: op}
}

func NewOperationRemoved(opID string) *OperationRemoved {
	return &OperationRemoved{Type: TypeOperationRemoved, OperationID: opID}
}

func NewUserJoined(userID, color string) *UserJoined {
	return &UserJoined{Type: TypeUserJoined, UserID: userID, Color: color}
}

func NewUserLeft(userID string) *UserLeft { return &UserLeft{Type: TypeUserLeft, UserID: userID} }

func NewCursorUpdate(userID string, cursor Point) *CursorUpdate {
	return &CursorUpdate{Type: TypeCursorUpdate, UserID: userID, Cursor: cursor}
}

func NewPong(ts int64) *Pong { return &Pong{Type: TypePong, Timestamp: ts} }
