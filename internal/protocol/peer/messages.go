package peer

import "github.com/soulseek-go/slsk/internal/codec"

// FileAttribute is one (type, value) pair attached to a shared file --
// bitrate, duration, VBR flag, sample rate, depending on Type. Capped at
// MaxFileAttributes per file (spec.md §4.1).
type FileAttribute struct {
	Type  uint32
	Value uint32
}

// SharedFile is one entry in a Shares/Search/FolderContents reply.
type SharedFile struct {
	Filename   string
	Size       uint64
	Extension  string
	Attributes []FileAttribute
}

func writeFile(w *codec.Writer, f SharedFile) {
	w.WriteU8(1) // file code, constant in every variant observed on the wire
	w.WriteString(f.Filename)
	w.WriteU64(f.Size)
	w.WriteString(f.Extension)
	w.WriteU32(uint32(len(f.Attributes)))
	for _, a := range f.Attributes {
		w.WriteU32(a.Type)
		w.WriteU32(a.Value)
	}
}

func readFile(r *codec.Reader, maxAttrs uint32) (SharedFile, error) {
	if _, err := r.ReadU8(); err != nil {
		return SharedFile{}, err
	}
	filename, err := r.ReadString()
	if err != nil {
		return SharedFile{}, err
	}
	size, err := r.ReadU64()
	if err != nil {
		return SharedFile{}, err
	}
	extension, err := r.ReadString()
	if err != nil {
		return SharedFile{}, err
	}
	n, err := r.ReadListCount(maxAttrs)
	if err != nil {
		return SharedFile{}, err
	}

	attrs := make([]FileAttribute, n)
	for i := range attrs {
		t, err := r.ReadU32()
		if err != nil {
			return SharedFile{}, err
		}
		v, err := r.ReadU32()
		if err != nil {
			return SharedFile{}, err
		}
		attrs[i] = FileAttribute{Type: t, Value: v}
	}

	return SharedFile{Filename: filename, Size: size, Extension: extension, Attributes: attrs}, nil
}

func writeFileList(w *codec.Writer, files []SharedFile) {
	w.WriteU32(uint32(len(files)))
	for _, f := range files {
		writeFile(w, f)
	}
}

func readFileList(r *codec.Reader, maxList, maxAttrs uint32) ([]SharedFile, error) {
	n, err := r.ReadListCount(maxList)
	if err != nil {
		return nil, err
	}
	files := make([]SharedFile, n)
	for i := range files {
		f, err := readFile(r, maxAttrs)
		if err != nil {
			return nil, err
		}
		files[i] = f
	}
	return files, nil
}

// --- Shares -----------------------------------------------------------

func BuildSharesRequest() []byte {
	return codec.NewWriter().WriteU32(uint32(CodeSharesRequest)).Bytes()
}

// Folder is one shared directory and its files, as carried by SharesReply
// and FolderContentsReply.
type Folder struct {
	Name  string
	Files []SharedFile
}

type SharesReply struct {
	Folders []Folder
}

func BuildSharesReply(folders []Folder) []byte {
	w := codec.NewWriter()
	w.WriteU32(uint32(CodeSharesReply))
	w.WriteU32(uint32(len(folders)))
	for _, f := range folders {
		w.WriteString(f.Name)
		writeFileList(w, f.Files)
	}
	return w.Bytes()
}

func ParseSharesReply(body []byte, maxList, maxAttrs uint32) (*SharesReply, error) {
	r := codec.NewReader(body)

	n, err := r.ReadListCount(maxList)
	if err != nil {
		return nil, err
	}

	folders := make([]Folder, n)
	for i := range folders {
		name, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		files, err := readFileList(r, maxList, maxAttrs)
		if err != nil {
			return nil, err
		}
		folders[i] = Folder{Name: name, Files: files}
	}

	return &SharesReply{Folders: folders}, nil
}

// --- Search -------------------------------------------------------------

type SearchRequest struct {
	Token uint32
	Query string
}

func BuildSearchRequest(req SearchRequest) []byte {
	w := codec.NewWriter()
	w.WriteU32(uint32(CodeSearchRequest))
	w.WriteU32(req.Token)
	w.WriteString(req.Query)
	return w.Bytes()
}

func ParseSearchRequest(body []byte) (*SearchRequest, error) {
	r := codec.NewReader(body)
	token, err := r.ReadU32()
	if err != nil {
		return nil, err
	}
	query, err := r.ReadString()
	if err != nil {
		return nil, err
	}
	return &SearchRequest{Token: token, Query: query}, nil
}

// SearchReply carries the matching files plus, optionally, a private-files
// trailer (spec.md §4.2, §9 "Private-files trailer"). Older peers omit the
// trailer entirely; some send an extra zero-padding u32 before the private
// count. Both are tolerated.
type SearchReply struct {
	Username      string
	Token         uint32
	Files         []SharedFile
	FreeSlot      bool
	AvgSpeed      uint32
	QueueLength   uint32
	PrivateFiles  []SharedFile
}

func BuildSearchReply(reply SearchReply) []byte {
	w := codec.NewWriter()
	w.WriteU32(uint32(CodeSearchReply))
	w.WriteString(reply.Username)
	w.WriteU32(reply.Token)
	writeFileList(w, reply.Files)
	w.WriteBool(reply.FreeSlot)
	w.WriteU32(reply.AvgSpeed)
	w.WriteU32(reply.QueueLength)
	if len(reply.PrivateFiles) > 0 {
		w.WriteU32(0) // zero-padding ahead of the private-files trailer
		writeFileList(w, reply.PrivateFiles)
	}
	return w.Bytes()
}

func ParseSearchReply(body []byte, maxList, maxAttrs uint32) (*SearchReply, error) {
	r := codec.NewReader(body)

	username, err := r.ReadString()
	if err != nil {
		return nil, err
	}
	token, err := r.ReadU32()
	if err != nil {
		return nil, err
	}
	files, err := readFileList(r, maxList, maxAttrs)
	if err != nil {
		return nil, err
	}
	freeSlot, err := r.ReadBool()
	if err != nil {
		return nil, err
	}
	avgSpeed, err := r.ReadU32()
	if err != nil {
		return nil, err
	}
	queueLength, err := r.ReadU32()
	if err != nil {
		return nil, err
	}

	reply := &SearchReply{
		Username: username, Token: token, Files: files,
		FreeSlot: freeSlot, AvgSpeed: avgSpeed, QueueLength: queueLength,
	}

	if r.Remaining() == 0 {
		return reply, nil
	}

	// Trailing private-files section: some senders put a zero-padding u32
	// first, some go straight to the count. Both start with a count in
	// [1, maxList] when present, so peek it and only treat it as padding if
	// the value is implausible as a count.
	first, err := r.ReadU32()
	if err != nil {
		return reply, nil // malformed trailer: accept the message without it
	}

	privateCount := first
	if first == 0 && r.Remaining() > 0 {
		c, err := r.ReadU32()
		if err != nil {
			return reply, nil
		}
		privateCount = c
	}

	if privateCount == 0 || privateCount > maxList {
		return reply, nil
	}

	privFiles := make([]SharedFile, 0, privateCount)
	for i := uint32(0); i < privateCount; i++ {
		f, err := readFile(r, maxAttrs)
		if err != nil {
			return reply, nil
		}
		privFiles = append(privFiles, f)
	}
	reply.PrivateFiles = privFiles

	return reply, nil
}

// --- UserInfo -------------------------------------------------------------

func BuildUserInfoRequest() []byte {
	return codec.NewWriter().WriteU32(uint32(CodeUserInfoRequest)).Bytes()
}

type UserInfo struct {
	Description   string
	HasPicture    bool
	Picture       []byte
	UploadSlots   uint32
	QueueSize     uint32
	HasFreeSlots  bool
}

func BuildUserInfoReply(info UserInfo) []byte {
	w := codec.NewWriter()
	w.WriteU32(uint32(CodeUserInfoReply))
	w.WriteString(info.Description)
	w.WriteBool(info.HasPicture)
	if info.HasPicture {
		w.WriteU32(uint32(len(info.Picture)))
		w.WriteRaw(info.Picture)
	}
	w.WriteU32(info.UploadSlots)
	w.WriteU32(info.QueueSize)
	w.WriteBool(info.HasFreeSlots)
	return w.Bytes()
}

func ParseUserInfoReply(body []byte) (*UserInfo, error) {
	r := codec.NewReader(body)

	description, err := r.ReadString()
	if err != nil {
		return nil, err
	}
	hasPicture, err := r.ReadBool()
	if err != nil {
		return nil, err
	}

	info := &UserInfo{Description: description, HasPicture: hasPicture}
	if hasPicture {
		n, err := r.ReadU32()
		if err != nil {
			return nil, err
		}
		pic, err := r.ReadRaw(int(n))
		if err != nil {
			return nil, err
		}
		info.Picture = pic
	}

	uploadSlots, err := r.ReadU32()
	if err != nil {
		return nil, err
	}
	queueSize, err := r.ReadU32()
	if err != nil {
		return nil, err
	}
	hasFreeSlots, err := r.ReadBool()
	if err != nil {
		return nil, err
	}

	info.UploadSlots = uploadSlots
	info.QueueSize = queueSize
	info.HasFreeSlots = hasFreeSlots

	return info, nil
}

// --- FolderContents -------------------------------------------------------

type FolderContentsRequest struct {
	Token  uint32
	Folder string
}

func BuildFolderContentsRequest(req FolderContentsRequest) []byte {
	w := codec.NewWriter()
	w.WriteU32(uint32(CodeFolderContentsRequest))
	w.WriteU32(req.Token)
	w.WriteString(req.Folder)
	return w.Bytes()
}

func ParseFolderContentsRequest(body []byte) (*FolderContentsRequest, error) {
	r := codec.NewReader(body)
	token, err := r.ReadU32()
	if err != nil {
		return nil, err
	}
	folder, err := r.ReadString()
	if err != nil {
		return nil, err
	}
	return &FolderContentsRequest{Token: token, Folder: folder}, nil
}

type FolderContentsReply struct {
	Token   uint32
	Folders []Folder
}

func BuildFolderContentsReply(reply FolderContentsReply) []byte {
	w := codec.NewWriter()
	w.WriteU32(uint32(CodeFolderContentsReply))
	w.WriteU32(reply.Token)
	w.WriteU32(uint32(len(reply.Folders)))
	for _, f := range reply.Folders {
		w.WriteString(f.Name)
		writeFileList(w, f.Files)
	}
	return w.Bytes()
}

func ParseFolderContentsReply(body []byte, maxList, maxAttrs uint32) (*FolderContentsReply, error) {
	r := codec.NewReader(body)

	token, err := r.ReadU32()
	if err != nil {
		return nil, err
	}
	n, err := r.ReadListCount(maxList)
	if err != nil {
		return nil, err
	}

	folders := make([]Folder, n)
	for i := range folders {
		name, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		files, err := readFileList(r, maxList, maxAttrs)
		if err != nil {
			return nil, err
		}
		folders[i] = Folder{Name: name, Files: files}
	}

	return &FolderContentsReply{Token: token, Folders: folders}, nil
}

// --- Transfer offer/response ----------------------------------------------

type TransferRequest struct {
	Direction TransferDirection
	Token     uint32
	Filename  string
	Size      uint64 // absent (0) on downloads, carried on uploads
}

func BuildTransferRequest(req TransferRequest) []byte {
	w := codec.NewWriter()
	w.WriteU32(uint32(CodeTransferRequest))
	w.WriteU32(uint32(req.Direction))
	w.WriteU32(req.Token)
	w.WriteString(req.Filename)
	if req.Direction == DirectionUpload {
		w.WriteU64(req.Size)
	}
	return w.Bytes()
}

func ParseTransferRequest(body []byte) (*TransferRequest, error) {
	r := codec.NewReader(body)

	direction, err := r.ReadU32()
	if err != nil {
		return nil, err
	}
	token, err := r.ReadU32()
	if err != nil {
		return nil, err
	}
	filename, err := r.ReadString()
	if err != nil {
		return nil, err
	}

	req := &TransferRequest{Direction: TransferDirection(direction), Token: token, Filename: filename}
	if req.Direction == DirectionUpload && r.Remaining() >= 8 {
		size, err := r.ReadU64()
		if err != nil {
			return nil, err
		}
		req.Size = size
	}

	return req, nil
}

type TransferResponse struct {
	Token   uint32
	Allowed bool
	Reason  string // populated when !Allowed
}

func BuildTransferResponse(resp TransferResponse) []byte {
	w := codec.NewWriter()
	w.WriteU32(uint32(CodeTransferResponse))
	w.WriteU32(resp.Token)
	w.WriteBool(resp.Allowed)
	if !resp.Allowed {
		w.WriteString(resp.Reason)
	}
	return w.Bytes()
}

func ParseTransferResponse(body []byte) (*TransferResponse, error) {
	r := codec.NewReader(body)

	token, err := r.ReadU32()
	if err != nil {
		return nil, err
	}
	allowed, err := r.ReadBool()
	if err != nil {
		return nil, err
	}

	resp := &TransferResponse{Token: token, Allowed: allowed}
	if !allowed && r.Remaining() > 0 {
		reason, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		resp.Reason = reason
	}

	return resp, nil
}

// --- Upload queue ----------------------------------------------------------

func BuildQueueUpload(filename string) []byte {
	w := codec.NewWriter()
	w.WriteU32(uint32(CodeQueueUpload))
	w.WriteString(filename)
	return w.Bytes()
}

func ParseQueueUpload(body []byte) (string, error) {
	r := codec.NewReader(body)
	return r.ReadString()
}

type PlaceInQueue struct {
	Filename string
	Place    uint32
}

func BuildPlaceInQueue(p PlaceInQueue) []byte {
	w := codec.NewWriter()
	w.WriteU32(uint32(CodePlaceInQueue))
	w.WriteString(p.Filename)
	w.WriteU32(p.Place)
	return w.Bytes()
}

func ParsePlaceInQueue(body []byte) (*PlaceInQueue, error) {
	r := codec.NewReader(body)
	filename, err := r.ReadString()
	if err != nil {
		return nil, err
	}
	place, err := r.ReadU32()
	if err != nil {
		return nil, err
	}
	return &PlaceInQueue{Filename: filename, Place: place}, nil
}

func BuildPlaceInQueueRequest(filename string) []byte {
	w := codec.NewWriter()
	w.WriteU32(uint32(CodePlaceInQueueRequest))
	w.WriteString(filename)
	return w.Bytes()
}

func ParsePlaceInQueueRequest(body []byte) (string, error) {
	r := codec.NewReader(body)
	return r.ReadString()
}

type UploadFailed struct {
	Filename string
}

func BuildUploadFailed(filename string) []byte {
	w := codec.NewWriter()
	w.WriteU32(uint32(CodeUploadFailed))
	w.WriteString(filename)
	return w.Bytes()
}

func ParseUploadFailed(body []byte) (*UploadFailed, error) {
	r := codec.NewReader(body)
	filename, err := r.ReadString()
	if err != nil {
		return nil, err
	}
	return &UploadFailed{Filename: filename}, nil
}

type UploadDenied struct {
	Filename string
	Reason   string
}

func BuildUploadDenied(denied UploadDenied) []byte {
	w := codec.NewWriter()
	w.WriteU32(uint32(CodeUploadDenied))
	w.WriteString(denied.Filename)
	w.WriteString(denied.Reason)
	return w.Bytes()
}

func ParseUploadDenied(body []byte) (*UploadDenied, error) {
	r := codec.NewReader(body)
	filename, err := r.ReadString()
	if err != nil {
		return nil, err
	}
	reason, err := r.ReadString()
	if err != nil {
		return nil, err
	}
	return &UploadDenied{Filename: filename, Reason: reason}, nil
}
