// Package main builds the soradyne C shared library: the stable symbol
// surface an application UI drives the core through.
//
// Build with:
//
//	go build -buildmode=c-shared -o libsoradyne.so ./ffi
//
// Conventions across the surface: all strings are UTF-8 C strings and
// all returned strings/buffers are owned by the caller, released
// through soradyne_free_string and soradyne_free_media_data. Integer
// returns are negative on error and otherwise 0, except the pairing
// start calls, which return a positive session handle. No Go pointer ever
// crosses the boundary; sessions and capsules are addressed by integer
// handles and UUID strings.
package main

/*
#include <stdlib.h>
#include <string.h>
*/
import "C"

import (
	"context"
	"sync"
	"unsafe"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/dreamware/soradyne/internal/app"
	"github.com/dreamware/soradyne/internal/capsule"
	"github.com/dreamware/soradyne/internal/radio"
)

// Error codes returned across the ABI.
const (
	errOK            = 0
	errNotInit       = -1
	errInvalidArg    = -2
	errInternal      = -3
	errNotFound      = -4
	errAlreadyInit   = -5
	errInvalidHandle = -6
)

// state is the process-wide handle table root: one service and one
// pairing bridge, created by soradyne_init / soradyne_pairing_init and
// torn down by the matching cleanup calls.
var state struct {
	mu      sync.Mutex
	service *app.Service
	bridge  *app.PairingBridge
	air     *radio.Air
	cancel  context.CancelFunc
}

func cJSON(v any) *C.char {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return C.CString(string(data))
}

func goString(ptr *C.char) (string, bool) {
	if ptr == nil {
		return "", false
	}
	return C.GoString(ptr), true
}

//export soradyne_init
func soradyne_init() C.int {
	state.mu.Lock()
	defer state.mu.Unlock()
	if state.service != nil {
		return errAlreadyInit
	}

	cfg, err := app.LoadConfig("")
	if err != nil {
		return errInternal
	}
	ctx, cancel := context.WithCancel(context.Background())
	service, err := app.Open(ctx, cfg)
	if err != nil {
		cancel()
		return errInternal
	}
	state.service = service
	state.cancel = cancel
	return errOK
}

//export soradyne_cleanup
func soradyne_cleanup() {
	state.mu.Lock()
	defer state.mu.Unlock()
	if state.service != nil {
		_ = state.service.Close()
		state.service = nil
	}
	if state.cancel != nil {
		state.cancel()
		state.cancel = nil
	}
}

func currentService() *app.Service {
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.service
}

//export soradyne_get_albums
func soradyne_get_albums() *C.char {
	service := currentService()
	if service == nil {
		return nil
	}
	albums, err := service.Albums()
	if err != nil {
		return nil
	}
	return cJSON(albums)
}

//export soradyne_create_album
func soradyne_create_album(namePtr *C.char) *C.char {
	service := currentService()
	name, ok := goString(namePtr)
	if service == nil || !ok {
		return nil
	}
	id, err := service.CreateAlbum(name)
	if err != nil {
		return nil
	}
	return cJSON(map[string]string{"id": id.String()})
}

//export soradyne_get_album_items
func soradyne_get_album_items(albumIDPtr *C.char) *C.char {
	service := currentService()
	albumStr, ok := goString(albumIDPtr)
	if service == nil || !ok {
		return nil
	}
	albumID, err := uuid.Parse(albumStr)
	if err != nil {
		return nil
	}
	items, err := service.AlbumItems(albumID)
	if err != nil {
		return nil
	}
	return cJSON(items)
}

//export soradyne_upload_media
func soradyne_upload_media(albumIDPtr, filePathPtr *C.char) C.int {
	service := currentService()
	if service == nil {
		return errNotInit
	}
	albumStr, ok1 := goString(albumIDPtr)
	path, ok2 := goString(filePathPtr)
	if !ok1 || !ok2 {
		return errInvalidArg
	}
	albumID, err := uuid.Parse(albumStr)
	if err != nil {
		return errInvalidArg
	}
	if _, err := service.UploadMedia(context.Background(), albumID, path); err != nil {
		return errInternal
	}
	return errOK
}

// mediaData is the shared body of the three rendition accessors.
func mediaData(albumIDPtr, mediaIDPtr *C.char, dataPtr **C.uchar, sizePtr *C.size_t, level app.RenderLevel) C.int {
	service := currentService()
	if service == nil {
		return errNotInit
	}
	albumStr, ok1 := goString(albumIDPtr)
	mediaStr, ok2 := goString(mediaIDPtr)
	if !ok1 || !ok2 || dataPtr == nil || sizePtr == nil {
		return errInvalidArg
	}
	albumID, err := uuid.Parse(albumStr)
	if err != nil {
		return errInvalidArg
	}
	mediaID, err := uuid.Parse(mediaStr)
	if err != nil {
		return errInvalidArg
	}

	data, err := service.MediaData(context.Background(), albumID, mediaID, level)
	if err != nil {
		return errNotFound
	}
	buf := C.CBytes(data)
	*dataPtr = (*C.uchar)(buf)
	*sizePtr = C.size_t(len(data))
	return errOK
}

//export soradyne_get_media_thumbnail
func soradyne_get_media_thumbnail(albumIDPtr, mediaIDPtr *C.char, dataPtr **C.uchar, sizePtr *C.size_t) C.int {
	return mediaData(albumIDPtr, mediaIDPtr, dataPtr, sizePtr, app.RenderThumbnail)
}

//export soradyne_get_media_medium
func soradyne_get_media_medium(albumIDPtr, mediaIDPtr *C.char, dataPtr **C.uchar, sizePtr *C.size_t) C.int {
	return mediaData(albumIDPtr, mediaIDPtr, dataPtr, sizePtr, app.RenderMedium)
}

//export soradyne_get_media_high
func soradyne_get_media_high(albumIDPtr, mediaIDPtr *C.char, dataPtr **C.uchar, sizePtr *C.size_t) C.int {
	return mediaData(albumIDPtr, mediaIDPtr, dataPtr, sizePtr, app.RenderHigh)
}

//export soradyne_get_storage_status
func soradyne_get_storage_status() *C.char {
	service := currentService()
	if service == nil {
		return nil
	}
	status, err := service.StorageStatus(context.Background())
	if err != nil {
		return nil
	}
	return C.CString(string(status))
}

//export soradyne_free_string
func soradyne_free_string(ptr *C.char) {
	if ptr != nil {
		C.free(unsafe.Pointer(ptr))
	}
}

//export soradyne_free_media_data
func soradyne_free_media_data(ptr *C.uchar, _ C.size_t) {
	if ptr != nil {
		C.free(unsafe.Pointer(ptr))
	}
}

//export soradyne_pairing_init
func soradyne_pairing_init() C.int {
	state.mu.Lock()
	defer state.mu.Unlock()
	if state.service == nil {
		return errNotInit
	}
	if state.bridge != nil {
		return errAlreadyInit
	}
	// The real radio stack registers its device factory here; the
	// in-process air stands in until it does.
	if state.air == nil {
		state.air = radio.NewAir()
	}
	air := state.air
	state.bridge = app.NewPairingBridge(
		state.service.Identity(),
		state.service.Capsules(),
		func() radio.Device { return air.NewDevice() },
		nil,
	)
	return errOK
}

//export soradyne_pairing_cleanup
func soradyne_pairing_cleanup() {
	state.mu.Lock()
	bridge := state.bridge
	state.bridge = nil
	state.mu.Unlock()
	if bridge != nil {
		bridge.Cleanup()
	}
}

func currentBridge() *app.PairingBridge {
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.bridge
}

//export soradyne_pairing_create_capsule
func soradyne_pairing_create_capsule(labelPtr *C.char) *C.char {
	bridge := currentBridge()
	label, ok := goString(labelPtr)
	if bridge == nil || !ok {
		return nil
	}
	id, err := bridge.CreateCapsule(label)
	if err != nil {
		return nil
	}
	return cJSON(map[string]string{"id": id.String()})
}

//export soradyne_pairing_list_capsules
func soradyne_pairing_list_capsules() *C.char {
	bridge := currentBridge()
	if bridge == nil {
		return nil
	}
	listing, err := bridge.ListCapsules()
	if err != nil {
		return nil
	}
	return C.CString(string(listing))
}

//export soradyne_pairing_start_invite
func soradyne_pairing_start_invite(capsuleIDPtr *C.char) C.int {
	bridge := currentBridge()
	capsuleStr, ok := goString(capsuleIDPtr)
	if bridge == nil || !ok {
		return errNotInit
	}
	capsuleID, err := uuid.Parse(capsuleStr)
	if err != nil {
		return errInvalidArg
	}
	handle, err := bridge.StartInvite(capsuleID)
	if err != nil {
		return errInternal
	}
	return C.int(handle)
}

//export soradyne_pairing_start_join
func soradyne_pairing_start_join(namePtr *C.char) C.int {
	bridge := currentBridge()
	name, ok := goString(namePtr)
	if bridge == nil || !ok {
		return errNotInit
	}
	handle, err := bridge.StartJoin(name, capsule.Capabilities{HasUI: true})
	if err != nil {
		return errInternal
	}
	return C.int(handle)
}

//export soradyne_pairing_get_state
func soradyne_pairing_get_state(handle C.int) *C.char {
	bridge := currentBridge()
	if bridge == nil {
		return nil
	}
	stateJSON, err := bridge.State(int(handle))
	if err != nil {
		return nil
	}
	return C.CString(string(stateJSON))
}

//export soradyne_pairing_confirm_pin
func soradyne_pairing_confirm_pin(handle C.int) C.int {
	bridge := currentBridge()
	if bridge == nil {
		return errNotInit
	}
	if err := bridge.ConfirmPIN(int(handle)); err != nil {
		return errInvalidHandle
	}
	return errOK
}

//export soradyne_pairing_submit_pin
func soradyne_pairing_submit_pin(handle C.int, pinPtr *C.char) C.int {
	bridge := currentBridge()
	pin, ok := goString(pinPtr)
	if bridge == nil || !ok {
		return errNotInit
	}
	if err := bridge.SubmitPIN(int(handle), pin); err != nil {
		return errInvalidHandle
	}
	return errOK
}

//export soradyne_pairing_cancel
func soradyne_pairing_cancel(handle C.int) C.int {
	bridge := currentBridge()
	if bridge == nil {
		return errNotInit
	}
	if err := bridge.CancelSession(int(handle)); err != nil {
		return errInvalidHandle
	}
	return errOK
}

func main() {}
